package helpers

import (
	"sync"
	"time"
)

// Limited exponential backoff for retry delays.
// Failure() returns current delay and multiplies next one by K.
// Reset() after success returns next delay to Min.
type Backoff struct {
	mu   sync.Mutex
	next time.Duration

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
//
//	for {
//	  if err := op(); err != nil {
//	    sleep(backoff.Failure())
//	    continue
//	  }
//	  backoff.Reset()
//	}
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.limit(b.next)
	b.next = b.limit(time.Duration(float32(delay) * b.K))
	return delay
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.Min
	b.mu.Unlock()
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
