// Package metadata collects what the profile header and the stacks carry about their
// processes: container names, application identities and static host facts.
package metadata

import (
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/safe"
	"github.com/coral-mesh/hostprof/internal/sys/proc"
)

const (
	defaultCacheSize = 4096
	shortIDLength    = 12
)

// ContainerNames resolves the container a pid runs in. Results are cached until Reset,
// which the orchestrator calls at the start of every cycle.
type ContainerNames struct {
	procs  *proc.Inspector
	cache  *lru.Cache[int, string]
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewContainerNames returns a resolver over procs. size <= 0 uses the default cache size.
func NewContainerNames(procs *proc.Inspector, size int, logger zerolog.Logger) (*ContainerNames, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[int, string](size)
	if err != nil {
		return nil, err
	}
	return &ContainerNames{
		procs:  procs,
		cache:  cache,
		logger: logger.With().Str("component", "containers").Logger(),
		seen:   map[string]struct{}{},
	}, nil
}

// Name returns the container name of pid, or "" for host processes and pids that are gone.
// The name is the container's hostname, which docker and kubernetes set to the short id or
// the pod name, and the short id itself when no hostname is readable.
func (c *ContainerNames) Name(pid int) string {
	if name, ok := c.cache.Get(pid); ok {
		return name
	}
	name := c.resolve(pid)
	c.cache.Add(pid, name)
	if name != "" {
		c.mu.Lock()
		c.seen[name] = struct{}{}
		c.mu.Unlock()
	}
	return name
}

func (c *ContainerNames) resolve(pid int) string {
	if pid <= 0 {
		return ""
	}
	p, err := c.procs.Open(pid)
	if err != nil {
		return ""
	}
	id, err := p.ContainerID()
	if err != nil || id == "" {
		return ""
	}
	data, err := safe.ReadFile(p.HostPath("/etc/hostname"), &safe.ReadOptions{MaxSize: 256, Truncate: true})
	if err == nil {
		if host := strings.TrimSpace(string(data)); host != "" {
			return host
		}
	}
	return id[:shortIDLength]
}

// Names lists the container names seen since the last Reset, sorted.
func (c *ContainerNames) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.seen))
	for n := range c.seen {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Reset forgets every cached pid and seen name.
func (c *ContainerNames) Reset() {
	c.cache.Purge()
	c.mu.Lock()
	c.seen = map[string]struct{}{}
	c.mu.Unlock()
}
