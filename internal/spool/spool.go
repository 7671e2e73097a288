// Package spool keeps telemetry messages which could not be delivered
// after reconnect, and redelivers them when the hub link is back.
// Backed by persistent queue, so messages survive process restart.
package spool

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/airtele/helpers"
	"github.com/temoto/airtele/internal/telemetry"
	"github.com/temoto/airtele/log2"
	"github.com/temoto/spq"
)

// InMemory path opens non-persistent queue.
const InMemory = spq.OnlyForTesting

type SendFunc func(ctx context.Context, msg *telemetry.Message) error

type Spool struct {
	backoff helpers.Backoff
	log     *log2.Log
	q       *spq.Queue
	sleep   helpers.Sleeper
}

func Open(log *log2.Log, path string) (*Spool, error) {
	if path == "" {
		return nil, errors.NotValidf("spool path empty")
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "spool open path=%s", path)
	}
	return &Spool{log: log, q: q, sleep: helpers.SleepContext}, nil
}

// Close unblocks Drain.
func (s *Spool) Close() error {
	return errors.Annotate(s.q.Close(), "spool close")
}

// Only payload is stored, envelope metadata is constant.
func (s *Spool) Push(msg *telemetry.Message) error {
	if err := s.q.Push(msg.Payload); err != nil {
		return errors.Annotate(err, "spool push")
	}
	return nil
}

// Drain sends queued messages one by one until ctx is done or spool closed.
// Waiting on empty queue is interrupted only by Close.
// Message is deleted only after successful send.
// While !ready() waits retry, after failed send waits from retry up to 8*retry.
func (s *Spool) Drain(ctx context.Context, ready func() bool, send SendFunc, retry time.Duration) error {
	s.backoff = helpers.Backoff{Min: retry, Max: 8 * retry, K: 2}
	for {
		box, err := s.q.Peek()
		switch {
		case err == nil: // success path

		case errors.Cause(err) == spq.ErrClosed:
			return nil

		default:
			s.log.Errorf("CRITICAL spool peek err=%v", err)
			if s.sleep(ctx, retry) != nil {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		b := box.Bytes()
		if len(b) == 0 {
			s.log.Errorf("spool peek=empty")
			s.delete(box)
			continue
		}
		if !ready() {
			if s.sleep(ctx, retry) != nil {
				return nil
			}
			continue
		}

		err = send(ctx, telemetry.NewMessage(b))
		if err != nil {
			s.log.Errorf("spool resend payload=%s err=%v", b, err)
			// rotate to tail, so one bad message does not block the rest
			if err = s.q.DeletePush(box); err != nil && errors.Cause(err) != spq.ErrClosed {
				s.log.Errorf("spool DeletePush err=%v", err)
			}
			if s.sleep(ctx, s.backoff.Failure()) != nil {
				return nil
			}
			continue
		}
		s.backoff.Reset()
		s.log.Debugf("spool resent payload=%s", b)
		s.delete(box)
	}
}

func (s *Spool) delete(box spq.Box) {
	if err := s.q.Delete(box); err != nil && errors.Cause(err) != spq.ErrClosed {
		s.log.Errorf("spool Delete err=%v", err)
	}
}
