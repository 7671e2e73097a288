// Package supervisor owns the single hub connection of the process:
// provisions once, connects, reconnects on demand, shuts down once.
package supervisor

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/log2"
)

type Supervisor struct {
	dialer  hub.Dialer
	id      hub.Identity
	log     *log2.Log
	modelID string
	prov    hub.Provisioner

	connecting sync.Mutex // serializes Connect/Reconnect

	mu         sync.Mutex
	assignment hub.Assignment
	conn       hub.Conn
	shutdown   sync.Once
}

func New(log *log2.Log, id hub.Identity, modelID string, prov hub.Provisioner, dialer hub.Dialer) *Supervisor {
	return &Supervisor{
		dialer:  dialer,
		id:      id,
		log:     log,
		modelID: modelID,
		prov:    prov,
	}
}

// Provision registers identity with authority. Errors are *hub.ProvisioningError.
func (s *Supervisor) Provision(ctx context.Context) (hub.Assignment, error) {
	s.log.Infof("provisioning device '%s' with DPS host '%s' and ID scope '%s'", s.id.DeviceID, s.id.Endpoint, s.id.IDScope)
	a, err := s.prov.Register(ctx, s.id, s.modelID)
	if err != nil {
		if pe, ok := hub.AsProvisioning(err); ok {
			return a, pe
		}
		return a, &hub.ProvisioningError{Err: err}
	}
	s.log.Infof("DPS registration complete status=%s", a.Status)
	if a.Status != hub.StatusAssigned {
		return a, &hub.ProvisioningError{Status: a.Status}
	}
	s.log.Infof("device assigned to hub=%s device_id=%s", a.Hub, a.DeviceID)

	s.mu.Lock()
	s.assignment = a
	s.mu.Unlock()
	return a, nil
}

// Connect creates the connection handle (only once) and connects it.
// Network IO runs outside of mu, Conn() never waits for it.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.connecting.Lock()
	defer s.connecting.Unlock()

	s.mu.Lock()
	if s.assignment.Status != hub.StatusAssigned {
		s.mu.Unlock()
		return &hub.ConnectionError{Op: "connect", Err: hub.ErrNotProvisioned}
	}
	if s.conn == nil {
		conn, err := s.dialer.Dial(s.id, s.assignment, s.modelID)
		if err != nil {
			s.mu.Unlock()
			return &hub.ConnectionError{Op: "connect", Err: errors.Annotate(err, "dial")}
		}
		s.conn = conn
	}
	conn, hubName := s.conn, s.assignment.Hub
	s.mu.Unlock()

	if conn.Connected() {
		return nil
	}
	s.log.Infof("connecting to hub=%s", hubName)
	if err := conn.Connect(ctx); err != nil {
		return &hub.ConnectionError{Op: "connect", Err: err}
	}
	s.log.Infof("device connected to hub")
	return nil
}

// Reconnect is no-op while connected. Uses the same handle as Connect.
// Concurrent calls are serialized, only the first one does network IO.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.connecting.Lock()
	defer s.connecting.Unlock()

	conn := s.Conn()
	if conn == nil {
		return &hub.ConnectionError{Op: "reconnect", Err: hub.ErrNotProvisioned}
	}
	if conn.Connected() {
		return nil
	}
	if err := conn.Connect(ctx); err != nil {
		return &hub.ConnectionError{Op: "reconnect", Err: err}
	}
	s.log.Infof("reconnected to hub")
	return nil
}

// Conn returns nil before successful Connect.
func (s *Supervisor) Conn() hub.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Supervisor) Assignment() hub.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignment
}

// Shutdown releases connection if connected. Safe to call many times,
// only first call has effect. Errors are logged, never returned.
func (s *Supervisor) Shutdown() {
	s.shutdown.Do(func() {
		conn := s.Conn()
		if conn == nil || !conn.Connected() {
			return
		}
		s.log.Infof("shutting down device client")
		if err := conn.Close(); err != nil {
			s.log.Error(&hub.ShutdownError{Err: err})
			return
		}
		s.log.Infof("device client shut down")
	})
}
