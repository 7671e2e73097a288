package spool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/airtele/internal/telemetry"
	"github.com/temoto/airtele/log2"
)

type recorder struct {
	sync.Mutex
	sent  []string
	fails int
	ch    chan string
}

func (r *recorder) send(ctx context.Context, msg *telemetry.Message) error {
	r.Lock()
	defer r.Unlock()
	if r.fails > 0 {
		r.fails--
		return fmt.Errorf("transient")
	}
	r.sent = append(r.sent, string(msg.Payload))
	r.ch <- string(msg.Payload)
	return nil
}

func TestDrain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		fails  int
		expect []string
	}{
		{"in-order", 0, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}},
		// first failed message rotates to tail
		{"retry", 1, []string{`{"n":2}`, `{"n":3}`, `{"n":1}`}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s, err := Open(log2.NewTest(t, log2.LDebug), InMemory)
			require.NoError(t, err)
			var sleeps int
			s.sleep = func(ctx context.Context, d time.Duration) error {
				sleeps++
				return ctx.Err()
			}
			for i := 1; i <= 3; i++ {
				require.NoError(t, s.Push(telemetry.NewMessage([]byte(fmt.Sprintf(`{"n":%d}`, i)))))
			}

			rec := &recorder{fails: c.fails, ch: make(chan string, 8)}
			done := make(chan error, 1)
			go func() {
				done <- s.Drain(context.Background(), func() bool { return true }, rec.send, time.Second)
			}()
			got := make([]string, 0, len(c.expect))
			for range c.expect {
				select {
				case p := <-rec.ch:
					got = append(got, p)
				case <-time.After(5 * time.Second):
					t.Fatalf("timeout got=%v", got)
				}
			}
			assert.Equal(t, c.expect, got)
			assert.Equal(t, c.fails, sleeps)

			require.NoError(t, s.Close())
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Drain did not return after Close")
			}
		})
	}
}

func TestDrainNotReady(t *testing.T) {
	t.Parallel()

	s, err := Open(log2.NewTest(t, log2.LDebug), InMemory)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Push(telemetry.NewMessage([]byte(`{}`))))

	ctx, cancel := context.WithCancel(context.Background())
	waits := 0
	s.sleep = func(ctx context.Context, d time.Duration) error {
		assert.Equal(t, 7*time.Second, d)
		waits++
		if waits == 3 {
			cancel()
		}
		return ctx.Err()
	}
	sent := 0
	err = s.Drain(ctx, func() bool { return false }, func(context.Context, *telemetry.Message) error {
		sent++
		return nil
	}, 7*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 3, waits)
	assert.Equal(t, 0, sent)
}

func TestOpenEmptyPath(t *testing.T) {
	t.Parallel()
	_, err := Open(nil, "")
	assert.Error(t, err)
}
