// Package hubtest provides in-memory hub.Provisioner, hub.Dialer and hub.Conn
// with scripted failures for loop tests.
package hubtest

import (
	"context"
	"sync"

	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/internal/telemetry"
)

type Provisioner struct {
	mu    sync.Mutex
	calls int

	Assignment hub.Assignment
	Err        error
}

func (p *Provisioner) Register(ctx context.Context, id hub.Identity, modelID string) (hub.Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.Assignment, p.Err
}

func (p *Provisioner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Assigned returns provisioner which always assigns device to test hub.
func Assigned() *Provisioner {
	return &Provisioner{Assignment: hub.Assignment{Status: hub.StatusAssigned, Hub: "test-hub.local", DeviceID: "test-device"}}
}

type Dialer struct {
	mu    sync.Mutex
	calls int

	Conn *Conn
	Err  error
}

func (d *Dialer) Dial(id hub.Identity, a hub.Assignment, modelID string) (hub.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Conn, nil
}

func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Conn scripts results by 1-based call number.
// Send error with cause hub.ErrConnectionDropped marks conn disconnected.
type Conn struct {
	mu        sync.Mutex
	connected bool
	counts    Counts
	sent      []*telemetry.Message
	reports   []hub.Reported
	closeOnce sync.Once

	ConnectFunc func(n int) error
	SendFunc    func(n int, msg *telemetry.Message) error
	ReportFunc  func(n int, r hub.Reported) error
	CloseErr    error

	patches chan patchResult
	closed  chan struct{}
}

type Counts struct {
	Connect int
	Send    int
	Report  int
	Close   int
}

type patchResult struct {
	p   hub.Patch
	err error
}

func NewConn() *Conn {
	return &Conn{
		patches: make(chan patchResult, 16),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Connect++
	if c.ConnectFunc != nil {
		if err := c.ConnectFunc(c.counts.Connect); err != nil {
			return err
		}
	}
	c.connected = true
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Drop simulates connection loss detected by transport.
func (c *Conn) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Conn) Send(ctx context.Context, msg *telemetry.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Send++
	if c.SendFunc != nil {
		if err := c.SendFunc(c.counts.Send, msg); err != nil {
			if hub.IsConnectionDropped(err) {
				c.connected = false
			}
			return err
		}
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *Conn) NextPatch(ctx context.Context) (hub.Patch, error) {
	select {
	case pr := <-c.patches:
		return pr.p, pr.err
	case <-ctx.Done():
		return hub.Patch{}, ctx.Err()
	case <-c.closed:
		return hub.Patch{}, hub.ErrClosed
	}
}

// PushPatch queues patch or error for NextPatch.
func (c *Conn) PushPatch(p hub.Patch, err error) {
	c.patches <- patchResult{p: p, err: err}
}

func (c *Conn) Report(ctx context.Context, r hub.Reported) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Report++
	if c.ReportFunc != nil {
		if err := c.ReportFunc(c.counts.Report, r); err != nil {
			return err
		}
	}
	c.reports = append(c.reports, r)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Close++
	c.connected = false
	c.closeOnce.Do(func() { close(c.closed) })
	return c.CloseErr
}

func (c *Conn) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

func (c *Conn) Sent() []*telemetry.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*telemetry.Message(nil), c.sent...)
}

func (c *Conn) Reports() []hub.Reported {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hub.Reported(nil), c.reports...)
}
