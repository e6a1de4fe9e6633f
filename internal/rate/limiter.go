package rate

import (
	"sync"
	"time"
)

// WindowLimiter admits at most limit hits per key in each fixed window.
// A non-positive limit admits everything.
type WindowLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	items       map[string]*windowEntry
	lastCleanup time.Time
	now         func() time.Time
}

// windowEntry tracks hits for one key in the current window.
type windowEntry struct {
	start time.Time
	count int
}

// NewWindowLimiter creates a limiter admitting limit hits per key per window.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:  limit,
		window: window,
		items:  make(map[string]*windowEntry),
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it fits the window.
func (l *WindowLimiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve is Allow that also returns how long until the key's window resets.
func (l *WindowLimiter) Reserve(key string) (bool, time.Duration) {
	if l == nil || l.limit <= 0 {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)

	entry, ok := l.items[key]
	if !ok || now.Sub(entry.start) >= l.window {
		l.items[key] = &windowEntry{start: now, count: 1}
		return true, 0
	}
	if entry.count >= l.limit {
		return false, entry.start.Add(l.window).Sub(now)
	}
	entry.count++
	return true, 0
}

// Len returns the number of keys currently tracked.
func (l *WindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// cleanup drops expired keys at most once per window.
func (l *WindowLimiter) cleanup(now time.Time) {
	if l.window <= 0 || now.Sub(l.lastCleanup) < l.window {
		return
	}
	for key, entry := range l.items {
		if now.Sub(entry.start) >= l.window {
			delete(l.items, key)
		}
	}
	l.lastCleanup = now
}
