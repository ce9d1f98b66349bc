// Package perf is the system-wide sampler: it records every CPU with "perf record -a -g" for
// one cycle and decodes the result with "perf script".
package perf

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/coral-mesh/hostprof/internal/cancel"
	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/merge"
	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/sampler"
	"github.com/coral-mesh/hostprof/internal/sys/shell"
	"github.com/coral-mesh/hostprof/internal/sys/sysfs"
)

// Name identifies the system sampler in logs and errors.
const Name = "perf"

// Call graph modes. ModeSmart records with both and keeps, per process, the deeper stacks.
const (
	ModeFP    = "fp"
	ModeDwarf = "dwarf"
	ModeSmart = "smart"
)

const (
	defaultDwarfStackSize = 8192
	// defaultMinFreeDisk is the free space required in the storage directory before recording.
	defaultMinFreeDisk = 4 << 20
)

// Config configures the perf sampler.
type Config struct {
	// Path is the perf binary. Empty means "perf" from PATH.
	Path      string
	Frequency int
	// Mode is ModeFP (default), ModeDwarf or ModeSmart.
	Mode           string
	DwarfStackSize int
	// StorageDir holds the temporary perf.data files.
	StorageDir string
	// Pids restricts recording to these processes. Empty records every CPU.
	Pids  []int
	Grace time.Duration
	// SysRoot is the sysfs mount used to detect a hardware PMU.
	SysRoot     string
	MinFreeDisk uint64
	Logger      zerolog.Logger
}

// Sampler runs perf once per cycle.
type Sampler struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	path      string
	eventArgs []string
	started   bool
}

var _ sampler.SystemSampler = (*Sampler)(nil)

// New returns an unstarted perf sampler.
func New(cfg Config) *Sampler {
	if cfg.Path == "" {
		cfg.Path = "perf"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFP
	}
	if cfg.DwarfStackSize == 0 {
		cfg.DwarfStackSize = defaultDwarfStackSize
	}
	if cfg.Grace == 0 {
		cfg.Grace = sampler.DefaultGrace
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = os.TempDir()
	}
	if cfg.MinFreeDisk == 0 {
		cfg.MinFreeDisk = defaultMinFreeDisk
	}
	return &Sampler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "perf").Str("mode", cfg.Mode).Logger(),
	}
}

// Name returns Name.
func (s *Sampler) Name() string { return Name }

// Start resolves the perf binary and picks the sampling event.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if !slices.Contains([]string{ModeFP, ModeDwarf, ModeSmart}, s.cfg.Mode) {
		return &errors.StartFailure{Sampler: Name, Err: fmt.Errorf("unknown perf mode %q", s.cfg.Mode)}
	}
	path, err := shell.LookPath(s.cfg.Path)
	if err != nil {
		return &errors.StartFailure{Sampler: Name, Err: err}
	}
	if err := os.MkdirAll(s.cfg.StorageDir, 0o755); err != nil {
		return &errors.StartFailure{Sampler: Name, Err: fmt.Errorf("creating storage dir: %w", err)}
	}

	s.path = path
	s.eventArgs = nil
	if !sysfs.HardwarePerfEvents(s.cfg.SysRoot) {
		s.logger.Info().Msg("No hardware PMU found, sampling with the cpu-clock software event")
		s.eventArgs = []string{"-e", "cpu-clock"}
	}
	s.started = true
	s.logger.Info().
		Str("path", path).
		Int("frequency_hz", s.cfg.Frequency).
		Msg("Initialized system profiler")
	return nil
}

// Stop marks the sampler stopped. No subprocess outlives a snapshot.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

// RecordArgs is the perf record command line for one cycle in mode writing to output.
// mode is ModeFP or ModeDwarf.
func (s *Sampler) RecordArgs(mode string, d time.Duration, output string) []string {
	s.mu.Lock()
	path, eventArgs := s.path, s.eventArgs
	s.mu.Unlock()
	if path == "" {
		path = s.cfg.Path
	}

	args := []string{path, "record", "-F", strconv.Itoa(s.cfg.Frequency), "-g", "-o", output}
	args = append(args, eventArgs...)
	if mode == ModeDwarf {
		args = append(args, "--call-graph", fmt.Sprintf("dwarf,%d", s.cfg.DwarfStackSize))
	}
	if len(s.cfg.Pids) > 0 {
		pids := make([]string, len(s.cfg.Pids))
		for i, pid := range s.cfg.Pids {
			pids[i] = strconv.Itoa(pid)
		}
		args = append(args, "--pid", strings.Join(pids, ","))
	} else {
		args = append(args, "-a")
	}
	return append(args, "--", "sleep", strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
}

// Snapshot records for d and returns the decoded samples.
func (s *Sampler) Snapshot(tok *cancel.Token, d time.Duration) (iter.Seq[profile.GlobalSample], error) {
	if tok.IsSet() {
		return nil, errors.ErrCancelled
	}
	s.mu.Lock()
	started, path := s.started, s.path
	s.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("perf sampler not started")
	}

	if usage, err := disk.Usage(s.cfg.StorageDir); err == nil && usage.Free < s.cfg.MinFreeDisk {
		return nil, fmt.Errorf("free disk space in %s is %d bytes, skipping perf", s.cfg.StorageDir, usage.Free)
	}

	ctx, cancelRun := context.WithTimeout(tok.Context(), d+s.cfg.Grace)
	defer cancelRun()

	if s.cfg.Mode != ModeSmart {
		out, err := s.record(ctx, tok, path, s.cfg.Mode, d)
		if err != nil {
			return nil, err
		}
		return ParseScript(out, s.logger), nil
	}
	return s.snapshotSmart(ctx, tok, path, d)
}

// snapshotSmart records with frame pointers and DWARF at once. When one of them fails the
// other is used alone.
func (s *Sampler) snapshotSmart(ctx context.Context, tok *cancel.Token, path string, d time.Duration) (iter.Seq[profile.GlobalSample], error) {
	var fpOut, dwarfOut []byte
	var fpErr, dwarfErr error
	var wg sync.WaitGroup
	wg.Go(func() { fpOut, fpErr = s.record(ctx, tok, path, ModeFP, d) })
	wg.Go(func() { dwarfOut, dwarfErr = s.record(ctx, tok, path, ModeDwarf, d) })
	wg.Wait()

	if tok.IsSet() {
		return nil, errors.ErrCancelled
	}
	switch {
	case fpErr != nil && dwarfErr != nil:
		return nil, fpErr
	case fpErr != nil:
		s.logger.Warn().Err(fpErr).Msg("Frame pointer perf failed, using DWARF perf alone")
		return ParseScript(dwarfOut, s.logger), nil
	case dwarfErr != nil:
		s.logger.Warn().Err(dwarfErr).Msg("DWARF perf failed, using frame pointer perf alone")
		return ParseScript(fpOut, s.logger), nil
	}

	selected, st := merge.SelectDeepest(
		slices.Collect(ParseScript(fpOut, s.logger)),
		slices.Collect(ParseScript(dwarfOut, s.logger)),
	)
	s.logger.Debug().
		Int("fp_samples", st.FP).
		Int("dwarf_samples", st.Dwarf).
		Float64("fp_to_dwarf_ratio", st.Ratio).
		Int("dwarf_pids", st.DwarfPids).
		Int("merged_samples", st.Selected).
		Msg("Merged frame pointer and DWARF perf")
	return slices.Values(selected), nil
}

// record runs perf record in mode for d and returns the perf script output.
func (s *Sampler) record(ctx context.Context, tok *cancel.Token, path, mode string, d time.Duration) ([]byte, error) {
	output := filepath.Join(s.cfg.StorageDir, "perf-"+mode+"-"+uuid.NewString()+".data")
	defer func() {
		if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", output).Msg("Failed to remove perf data file")
		}
	}()

	s.logger.Debug().Dur("duration", d).Str("call_graph", mode).Msg("Running global perf")
	if _, err := shell.Run(ctx, s.RecordArgs(mode, d, output), shell.Config{}); err != nil {
		return nil, s.runError(ctx, tok, "perf record", err)
	}
	res, err := shell.Run(ctx, []string{path, "script", "-F", "+pid", "-i", output}, shell.Config{})
	if err != nil {
		return nil, s.runError(ctx, tok, "perf script", err)
	}
	s.logger.Debug().Int("bytes", len(res.Stdout)).Str("call_graph", mode).Msg("Finished running global perf")
	return res.Stdout, nil
}

func (s *Sampler) runError(ctx context.Context, tok *cancel.Token, what string, err error) error {
	switch {
	case tok.IsSet():
		return errors.ErrCancelled
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", what, errors.ErrSamplerTimeout)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
