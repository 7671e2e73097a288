// Package tele drives periodic telemetry: sample, encode, send.
package tele

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/airtele/helpers"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/internal/telemetry"
	"github.com/temoto/airtele/log2"
)

type State int32

const (
	StateIdle State = iota
	StateSending
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateShuttingDown:
		return "shutting-down"
	}
	return "invalid"
}

// Reconnector is implemented by supervisor.Supervisor.
type Reconnector interface {
	Conn() hub.Conn
	Reconnect(ctx context.Context) error
}

// Spooler keeps messages lost after failed reconnect.
type Spooler interface {
	Push(msg *telemetry.Message) error
}

// Sender contract:
// - one message per interval, first one immediately
// - connection drop: one reconnect and one resend of same message
// - failed reconnect or resend: next tick after 2*interval, message goes to spool if any
// - other send errors: logged, no retry
// - Run returns only when ctx is done
type Sender struct {
	interval time.Duration
	log      *log2.Log
	sampler  *telemetry.Sampler
	sleep    helpers.Sleeper
	spool    Spooler
	stat     Stat
	state    int32 // State
	sup      Reconnector
}

func NewSender(log *log2.Log, sup Reconnector, sampler *telemetry.Sampler, interval time.Duration) *Sender {
	if interval <= 0 {
		panic("code error tele.NewSender interval must be positive")
	}
	if sampler == nil {
		sampler = telemetry.NewSampler(nil)
	}
	return &Sender{
		interval: interval,
		log:      log,
		sampler:  sampler,
		sleep:    helpers.SleepContext,
		sup:      sup,
	}
}

func (s *Sender) SetSpool(sp Spooler) { s.spool = sp }

// SetSleep replaces interval wait, for tests.
func (s *Sender) SetSleep(f helpers.Sleeper) { s.sleep = f }

func (s *Sender) State() State       { return State(atomic.LoadInt32(&s.state)) }
func (s *Sender) Stat() StatSnapshot { return s.stat.Snapshot() }

func (s *Sender) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

func (s *Sender) Run(ctx context.Context) error {
	s.log.Debugf("tele sender start interval=%v", s.interval)
	for ctx.Err() == nil {
		delay := s.Tick(ctx)
		if ctx.Err() != nil {
			break
		}
		if err := s.sleep(ctx, delay); err != nil {
			break
		}
	}
	s.setState(StateShuttingDown)
	s.log.Infof("tele sender stopped %s", s.stat.Snapshot().String())
	return nil
}

// Tick sends one fresh reading and returns delay until next tick.
func (s *Sender) Tick(ctx context.Context) time.Duration {
	s.setState(StateSending)
	defer s.setState(StateIdle)

	msg, err := telemetry.Encode(s.sampler.Sample())
	if err != nil {
		// fixed schema, should never happen
		s.log.Errorf("CRITICAL %v", err)
		return s.interval
	}
	s.log.Infof("sending message: %s", msg.Payload)

	err = s.send(ctx, msg)
	switch {
	case err == nil:
		s.stat.add(&s.stat.c.Sent)
		return s.interval

	case ctx.Err() != nil:
		return s.interval

	case hub.IsConnectionDropped(err):
		return s.recover(ctx, msg)

	default:
		s.stat.add(&s.stat.c.Failed)
		s.log.Errorf("error sending message: %v", err)
		return s.interval
	}
}

func (s *Sender) recover(ctx context.Context, msg *telemetry.Message) time.Duration {
	s.stat.add(&s.stat.c.Dropped)
	s.log.Infof("connection dropped, attempting to reconnect")
	err := s.sup.Reconnect(ctx)
	if err == nil {
		s.log.Infof("reconnected, retrying to send message")
		if err = s.send(ctx, msg); err == nil {
			s.stat.add(&s.stat.c.Sent)
			s.stat.add(&s.stat.c.Resent)
			s.log.Infof("message successfully sent after reconnect")
			return s.interval
		}
	}

	s.stat.add(&s.stat.c.RecoverFailed)
	s.log.Errorf("failed to reconnect or resend: %v", err)
	if s.spool != nil {
		if err := s.spool.Push(msg); err != nil {
			s.log.Errorf("spool message: %v", err)
		} else {
			s.stat.add(&s.stat.c.Spooled)
		}
	}
	return 2 * s.interval
}

func (s *Sender) send(ctx context.Context, msg *telemetry.Message) error {
	conn := s.sup.Conn()
	if conn == nil {
		return errors.Annotate(hub.ErrConnectionDropped, "no connection")
	}
	return conn.Send(ctx, msg)
}
