package azure

import (
	"context"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/internal/telemetry"
	"github.com/temoto/airtele/log2"
)

const patchBuffer = 16

type Dialer struct {
	opt Options
}

func NewDialer(opt Options) *Dialer {
	opt.setDefaults()
	return &Dialer{opt: opt}
}

// Dial builds client for assigned hub. Network IO starts in Conn.Connect.
func (d *Dialer) Dial(id hub.Identity, a hub.Assignment, modelID string) (hub.Conn, error) {
	if a.Hub == "" || a.DeviceID == "" {
		return nil, errors.Annotatef(hub.ErrNotProvisioned, "assignment=%#v", a)
	}
	resource := hubResource(a.Hub, a.DeviceID)
	if _, err := SASToken(resource, id.Key, "", d.opt.now()); err != nil {
		return nil, err
	}
	c := &Conn{
		deviceID: a.DeviceID,
		log:      d.opt.Log,
		opt:      d.opt,
		patches:  make(chan patchResult, patchBuffer),
		pending:  make(map[string]chan int),
		closed:   make(chan struct{}),
		topic:    telemetryTopic(a.DeviceID, telemetry.ContentType, telemetry.ContentEncoding),
	}
	username := hubUsername(a.Hub, a.DeviceID, modelID)
	creds := func() (string, string) {
		// fresh token on every connect and reconnect
		token, err := SASToken(resource, id.Key, "", d.opt.now().Add(d.opt.TokenTTL))
		if err != nil {
			c.log.Errorf("hub SAS token: %v", err)
		}
		return username, token
	}
	broker := c.opt.brokerURL(a.Hub)
	c.newClient = func() mqtt.Client {
		return newClient(&c.opt, broker, a.DeviceID, creds, c.onConnectionLost)
	}
	return c, nil
}

type patchResult struct {
	p   hub.Patch
	err error
}

// Conn is hub.Conn over paho client.
// Every Connect starts fresh paho client, lost one is abandoned.
type Conn struct {
	deviceID  string
	log       *log2.Log
	newClient func() mqtt.Client
	opt       Options
	patches   chan patchResult
	topic     string

	mu      sync.Mutex
	client  mqtt.Client         // nil before first Connect
	pending map[string]chan int // twin request id -> response status

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Conn) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return hub.ErrClosed
	default:
	}
	client := c.newClient()
	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()
	if old != nil && old.IsConnectionOpen() {
		old.Disconnect(0)
	}

	if err := waitToken(ctx, client.Connect(), c.opt.NetworkTimeout, "hub connect"); err != nil {
		return err
	}
	// clean session, subscriptions are lost with connection
	subs := map[string]byte{twinDesiredSub: 0, twinResSubscribe: 0}
	if err := waitToken(ctx, client.SubscribeMultiple(subs, c.onMessage), c.opt.NetworkTimeout, "hub subscribe"); err != nil {
		client.Disconnect(0)
		return err
	}
	c.log.Debugf("hub connected device=%s", c.deviceID)
	return nil
}

func (c *Conn) current() mqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Conn) Connected() bool {
	client := c.current()
	return client != nil && client.IsConnectionOpen()
}

func (c *Conn) Send(ctx context.Context, msg *telemetry.Message) error {
	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return errors.Annotate(hub.ErrConnectionDropped, "hub send")
	}
	err := waitToken(ctx, client.Publish(c.topic, 1, false, msg.Payload), c.opt.NetworkTimeout, "hub send")
	if err != nil && ctx.Err() == nil && (!client.IsConnectionOpen() || errors.Cause(err) == mqtt.ErrNotConnected) {
		return errors.Annotate(hub.ErrConnectionDropped, err.Error())
	}
	return err
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

// Report publishes reported properties and waits for hub response status.
func (c *Conn) Report(ctx context.Context, r hub.Reported) error {
	b, err := r.Marshal()
	if err != nil {
		return err
	}
	client := c.current()
	if client == nil || !client.IsConnectionOpen() {
		return errors.Annotate(hub.ErrConnectionDropped, "twin report")
	}
	rid := uuid.New().String()
	ch := make(chan int, 1)
	c.mu.Lock()
	c.pending[rid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
	}()

	if err := waitToken(ctx, client.Publish(twinReportedTopic(rid), 0, false, b), c.opt.NetworkTimeout, "twin report"); err != nil {
		return err
	}
	tmr := time.NewTimer(c.opt.NetworkTimeout)
	defer tmr.Stop()
	select {
	case status := <-ch:
		if status < 200 || status >= 300 {
			return errors.Errorf("twin report rid=%s status=%d", rid, status)
		}
		c.log.Debugf("twin report rid=%s status=%d", rid, status)
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "twin report")
	case <-tmr.C:
		return errors.Timeoutf("twin report rid=%s response after %v", rid, c.opt.NetworkTimeout)
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if client := c.current(); client != nil && client.IsConnectionOpen() {
			client.Disconnect(250)
		}
	})
	return nil
}

func (c *Conn) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Errorf("hub connection lost: %v", err)
}

func (c *Conn) onMessage(_ mqtt.Client, m mqtt.Message) {
	t := m.Topic()
	switch {
	case strings.HasPrefix(t, twinDesiredPrefix):
		p, err := hub.ParsePatch(m.Payload())
		if err == nil && p.Version == 0 {
			p.Version = desiredVersion(t)
		}
		select {
		case c.patches <- patchResult{p: p, err: err}:
		default:
			c.log.Errorf("twin patch dropped, buffer full topic=%s", t)
		}

	case strings.HasPrefix(t, twinResponsePrefix):
		r, err := parseResponseTopic(twinResponsePrefix, t)
		if err != nil {
			c.log.Errorf("twin response: %v", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[r.RID]
		c.mu.Unlock()
		if !ok {
			c.log.Debugf("twin response unknown rid=%s status=%d", r.RID, r.Status)
			return
		}
		select {
		case ch <- r.Status:
		default:
		}

	default:
		c.log.Debugf("hub unexpected message topic=%s", t)
	}
}
