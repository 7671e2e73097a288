// Package twin acknowledges device twin desired property patches.
package twin

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/airtele/helpers"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/log2"
)

const DefaultRetry = 1 * time.Second

// ConnSource is implemented by supervisor.Supervisor.
type ConnSource interface {
	Conn() hub.Conn
}

type Listener struct {
	log        *log2.Log
	properties map[string]struct{}
	retry      time.Duration
	sleep      helpers.Sleeper
	src        ConnSource
}

func NewListener(log *log2.Log, src ConnSource, properties []string, retry time.Duration) *Listener {
	if retry <= 0 {
		retry = DefaultRetry
	}
	l := &Listener{
		log:        log,
		properties: make(map[string]struct{}, len(properties)),
		retry:      retry,
		sleep:      helpers.SleepContext,
		src:        src,
	}
	for _, p := range properties {
		l.properties[p] = struct{}{}
	}
	return l
}

// SetSleep replaces retry wait, for tests.
func (l *Listener) SetSleep(f helpers.Sleeper) { l.sleep = f }

// Acknowledge builds reported update for recognized properties of patch.
// ok=false means nothing to report.
func (l *Listener) Acknowledge(p hub.Patch) (hub.Reported, bool) {
	var r hub.Reported
	for name, value := range p.Properties {
		if _, known := l.properties[name]; !known {
			l.log.Debugf("twin ignore property=%s", name)
			continue
		}
		if r == nil {
			r = make(hub.Reported, 1)
		}
		r[name] = hub.Ack{
			Value:       value,
			Code:        hub.AckCodeAccepted,
			Version:     p.Version,
			Description: hub.AckDescAccepted,
		}
	}
	return r, r != nil
}

// Run returns only when ctx is done or connection is closed.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Debugf("twin listener start")
	for {
		err := l.step(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case hub.IsClosed(err):
			l.log.Debugf("twin listener connection closed")
			return nil
		case err != nil:
			l.log.Errorf("twin listener: %v", err)
			if l.sleep(ctx, l.retry) != nil {
				return nil
			}
		}
	}
}

func (l *Listener) step(ctx context.Context) error {
	conn := l.src.Conn()
	if conn == nil {
		return errors.Annotate(hub.ErrNotProvisioned, "twin listener")
	}
	p, err := conn.NextPatch(ctx)
	if err != nil {
		return errors.Annotate(err, "receive patch")
	}
	l.log.Infof("received desired properties patch version=%d", p.Version)

	r, ok := l.Acknowledge(p)
	if !ok {
		return nil
	}
	if err := conn.Report(ctx, r); err != nil {
		return errors.Annotate(err, "report properties")
	}
	l.log.Infof("reported properties acknowledged version=%d", p.Version)
	return nil
}
