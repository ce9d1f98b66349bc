package logging

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps how often a repeated message is logged. Each key gets its own budget:
// the first Burst occurrences pass, then at most one per Interval.
type Limiter struct {
	Burst    int
	Interval time.Duration

	mu      sync.Mutex
	byKey   map[string]*rate.Sometimes
	dropped map[string]int
}

// NewLimiter returns a Limiter with the given budget.
func NewLimiter(burst int, interval time.Duration) *Limiter {
	return &Limiter{
		Burst:    burst,
		Interval: interval,
		byKey:    map[string]*rate.Sometimes{},
		dropped:  map[string]int{},
	}
}

// Do runs f when key still has budget. f receives how many occurrences were suppressed
// since the last time it ran.
func (l *Limiter) Do(key string, f func(suppressed int)) {
	l.mu.Lock()
	s, ok := l.byKey[key]
	if !ok {
		s = &rate.Sometimes{First: l.Burst, Interval: l.Interval}
		l.byKey[key] = s
	}
	l.dropped[key]++
	l.mu.Unlock()

	s.Do(func() {
		l.mu.Lock()
		suppressed := l.dropped[key] - 1
		l.dropped[key] = 0
		l.mu.Unlock()
		f(suppressed)
	})
}
