package metadata

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/profile"
	"github.com/coral-mesh/hostprof/internal/sampler"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
)

const describeTimeout = 3 * time.Second

type appKey struct {
	pid     int
	runtime string
	exe     string
}

type appEntry struct {
	id       string
	metadata map[string]any
}

// AppMetadata identifies the application behind a profiled pid.
type AppMetadata struct {
	cache *lru.Cache[appKey, appEntry]
	// describe adds host-level details; nil skips them.
	describe func(ctx context.Context, pid int) (proc.Info, error)
	logger   zerolog.Logger
}

var _ sampler.MetadataSource = (*AppMetadata)(nil)

// NewAppMetadata returns a cached metadata source. hostDetails adds the owner, parent and
// start time read through gopsutil, which only makes sense for processes on the running host.
func NewAppMetadata(size int, hostDetails bool, logger zerolog.Logger) (*AppMetadata, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[appKey, appEntry](size)
	if err != nil {
		return nil, err
	}
	m := &AppMetadata{cache: cache, logger: logger.With().Str("component", "app_metadata").Logger()}
	if hostDetails {
		m.describe = proc.Describe
	}
	return m, nil
}

// Lookup returns the application id and metadata of p. Failures to read a field are
// recorded in the metadata as "error: ..." strings.
func (m *AppMetadata) Lookup(p *proc.Process, rt string) (string, map[string]any) {
	exe, exeErr := p.Executable()
	key := appKey{pid: p.Pid, runtime: rt, exe: exe}
	if e, ok := m.cache.Get(key); ok {
		return e.id, e.metadata
	}

	md := map[string]any{
		"runtime": rt,
		"arch":    runtime.GOARCH,
	}
	if exeErr != nil {
		md["exe"] = "error: " + exeErr.Error()
	} else {
		md["exe"] = exe
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		md["cmdline"] = "error: " + err.Error()
	} else {
		md["cmdline"] = strings.Join(cmdline, " ")
	}
	cwd, _ := p.Cwd()

	if m.describe != nil {
		ctx, cancel := context.WithTimeout(context.Background(), describeTimeout)
		info, err := m.describe(ctx, p.Pid)
		cancel()
		if err == nil {
			md["username"] = info.Username
			md["ppid"] = info.Ppid
			md["create_time"] = info.CreateTime
		} else {
			m.logger.Debug().Err(err).Int("pid", p.Pid).Msg("Failed to describe process")
		}
	}

	id := AppID(rt, cmdline, cwd)
	if id != "" {
		md["app_id"] = id
	}
	m.cache.Add(key, appEntry{id: id, metadata: md})
	return id, md
}

// IndexApplications deduplicates the application metadata of every profiled pid into the
// header's list and pid index.
func IndexApplications(sets ...profile.ProcessProfileSet) ([]map[string]any, map[int]int) {
	list := []map[string]any{}
	index := map[int]int{}
	byKey := map[string]int{}
	for _, set := range sets {
		for pid, pd := range set {
			if pd.AppMetadata == nil {
				continue
			}
			if _, done := index[pid]; done {
				continue
			}
			b, err := json.Marshal(pd.AppMetadata)
			if err != nil {
				continue
			}
			i, ok := byKey[string(b)]
			if !ok {
				i = len(list)
				list = append(list, pd.AppMetadata)
				byKey[string(b)] = i
			}
			index[pid] = i
		}
	}
	return list, index
}
