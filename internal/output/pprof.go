package output

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/stack"
)

// ToPprof converts collapsed stacks into a pprof profile with one samples/count value per
// stack. frequency sets the cpu period; zero leaves it unset.
func ToPprof(c stack.Collapsed, start, end time.Time, frequency int) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		TimeNanos:  start.UnixNano(),
	}
	if !end.IsZero() && end.After(start) {
		p.DurationNanos = end.Sub(start).Nanoseconds()
	}
	if frequency > 0 {
		p.Period = int64(time.Second) / int64(frequency)
	}

	locations := map[string]*profile.Location{}
	location := func(name string) *profile.Location {
		if loc, ok := locations[name]; ok {
			return loc
		}
		fn := &profile.Function{ID: uint64(len(p.Function) + 1), Name: name, SystemName: name}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: uint64(len(p.Location) + 1), Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		locations[name] = loc
		return loc
	}

	for _, key := range c.Keys() {
		frames := strings.Split(key, stack.Separator)
		// pprof lists locations leaf first.
		locs := make([]*profile.Location, len(frames))
		for i, frame := range frames {
			locs[len(frames)-1-i] = location(frame)
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{int64(c[key])},
		})
	}
	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("building pprof profile: %w", err)
	}
	return p, nil
}

// PprofSink writes profile_<end time>.pb.gz files.
type PprofSink struct {
	dir    string
	logger zerolog.Logger
}

var _ Sink = (*PprofSink)(nil)

// NewPprofSink creates dir if needed.
func NewPprofSink(dir string, logger zerolog.Logger) (*PprofSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pprof dir: %w", err)
	}
	return &PprofSink{dir: dir, logger: logger.With().Str("component", "output").Str("sink", "pprof").Logger()}, nil
}

// Name returns "pprof".
func (s *PprofSink) Name() string { return "pprof" }

// Write converts p and stores it gzip-compressed.
func (s *PprofSink) Write(_ context.Context, p Profile) error {
	prof, err := ToPprof(p.Collapsed, p.Start, p.End, p.Header.Frequency)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return fmt.Errorf("encoding pprof profile: %w", err)
	}
	path := filepath.Join(s.dir, "profile_"+fileTimestamp(p.End)+".pb.gz")
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	s.logger.Info().Str("path", path).Int("samples", len(prof.Sample)).Msg("Saved pprof profile")
	return nil
}

// Close is a no-op.
func (s *PprofSink) Close() error { return nil }
