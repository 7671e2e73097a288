// Package agent wires supervisor, telemetry sender, twin listener and spool
// into one process lifetime: provision, connect, run tasks, shutdown once.
package agent

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/airtele/helpers"
	"github.com/temoto/airtele/internal/config"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/internal/spool"
	"github.com/temoto/airtele/internal/supervisor"
	"github.com/temoto/airtele/internal/tele"
	"github.com/temoto/airtele/internal/telemetry"
	"github.com/temoto/airtele/internal/twin"
	"github.com/temoto/airtele/log2"
	"github.com/temoto/alive/v2"
)

type Agent struct {
	cfg     *config.Config
	log     *log2.Log
	sampler *telemetry.Sampler
	sup     *supervisor.Supervisor

	Sender   *tele.Sender
	Listener *twin.Listener // nil unless twin.enable
	Spool    *spool.Spool   // nil unless spool.path

	// OnReady is called once after hub connection is established.
	OnReady func()
}

// New validates config before anything else, so missing identity never
// reaches provisioner or dialer.
func New(log *log2.Log, cfg *config.Config, prov hub.Provisioner, dialer hub.Dialer) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sup := supervisor.New(log, cfg.HubIdentity(), cfg.ModelID, prov, dialer)
	a := &Agent{
		cfg:     cfg,
		log:     log,
		sampler: telemetry.NewSampler(nil),
		sup:     sup,
	}
	a.Sender = tele.NewSender(log, sup, a.sampler, cfg.Interval())
	if cfg.Twin.Enable {
		a.Listener = twin.NewListener(log, sup, cfg.Twin.Properties, cfg.TwinRetry())
	}
	return a, nil
}

func (a *Agent) Supervisor() *supervisor.Supervisor { return a.sup }

// Run blocks until ctx is done. Provisioning and initial connect errors
// are returned, loop errors are handled inside loops.
func (a *Agent) Run(ctx context.Context) error {
	defer a.sup.Shutdown()

	if _, err := a.sup.Provision(ctx); err != nil {
		return err
	}
	if err := a.sup.Connect(ctx); err != nil {
		return err
	}

	if a.cfg.Spool.Path != "" {
		sp, err := spool.Open(a.log, a.cfg.Spool.Path)
		if err != nil {
			return errors.Annotate(err, "agent")
		}
		a.Spool = sp
		a.Sender.SetSpool(sp)
	}

	// spool is closed only after sender and listener stopped
	al := alive.NewAlive()
	drain := alive.NewAlive()
	tctx, cancel := helpers.AliveContext(ctx, al)
	defer cancel()
	if a.OnReady != nil {
		a.OnReady()
	}

	a.start(al, "tele", func() error { return a.Sender.Run(tctx) })
	if a.Listener != nil {
		a.start(al, "twin", func() error { return a.Listener.Run(tctx) })
	}
	if a.Spool != nil {
		a.start(drain, "spool", func() error {
			return a.Spool.Drain(tctx, a.connected, a.resend, a.cfg.SpoolRetry())
		})
	}

	<-tctx.Done()
	a.log.Infof("stopping")
	al.Stop()
	al.Wait()
	drain.Stop()
	if a.Spool != nil {
		if err := a.Spool.Close(); err != nil {
			a.log.Error(err)
		}
	}
	drain.Wait()
	a.log.Infof("tasks stopped, shutting down hub connection")
	return nil
}

func (a *Agent) start(al *alive.Alive, name string, f func() error) {
	if !al.Add(1) {
		a.log.Debugf("task %s not started, stopping", name)
		return
	}
	go func() {
		defer al.Done()
		if err := f(); err != nil {
			a.log.Errorf("task %s: %v", name, err)
		}
		a.log.Debugf("task %s done", name)
	}()
}

func (a *Agent) connected() bool {
	c := a.sup.Conn()
	return c != nil && c.Connected()
}

func (a *Agent) resend(ctx context.Context, msg *telemetry.Message) error {
	c := a.sup.Conn()
	if c == nil {
		return errors.Annotate(hub.ErrConnectionDropped, "spool resend")
	}
	return c.Send(ctx, msg)
}

// Run is New+Run.
func Run(ctx context.Context, log *log2.Log, cfg *config.Config, prov hub.Provisioner, dialer hub.Dialer) error {
	a, err := New(log, cfg, prov, dialer)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
