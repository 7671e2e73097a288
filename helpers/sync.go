package helpers

// Random synchronisation util stash

import (
	"context"
	"sync"

	"github.com/temoto/alive/v2"
)

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// AliveContext returns ctx which is canceled after a.Stop() or parent done.
// Parent done or cancel also stops a.
func AliveContext(parent context.Context, a *alive.Alive) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-a.StopChan():
		case <-ctx.Done():
			a.Stop()
		}
		cancel()
	}()
	return ctx, cancel
}
