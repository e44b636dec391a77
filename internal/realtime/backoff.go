package realtime

import (
	"sync"
	"time"
)

// Backoff counts reconnect attempts and yields a linearly growing delay
// until the attempt budget is spent.
type Backoff struct {
	mu          sync.RWMutex
	base        time.Duration
	maxAttempts int
	attempts    int
}

func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	return &Backoff{base: base, maxAttempts: maxAttempts}
}

// Next records an attempt and returns the delay to wait before it. The
// delay before attempt n is base*n. ok is false once maxAttempts attempts
// have been handed out.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= b.maxAttempts {
		return 0, false
	}
	b.attempts++
	return b.base * time.Duration(b.attempts), true
}

func (b *Backoff) Exhausted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts >= b.maxAttempts
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns how many attempts have been handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts
}

func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}
