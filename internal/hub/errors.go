package hub

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

var (
	ErrConnectionDropped = fmt.Errorf("connection dropped")
	ErrClosed            = fmt.Errorf("connection closed")
	ErrNotProvisioned    = fmt.Errorf("device is not provisioned")
)

// ConfigMissingError lists absent required identity settings.
type ConfigMissingError struct {
	Names []string
}

func (e *ConfigMissingError) Error() string {
	return "config missing: " + strings.Join(e.Names, ", ")
}

// ProvisioningError is either rejected registration (Status) or failed exchange (Err).
type ProvisioningError struct {
	Status string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return "provisioning failed: " + e.Err.Error()
	}
	return fmt.Sprintf("provisioning status was not '%s': %s", StatusAssigned, e.Status)
}
func (e *ProvisioningError) Unwrap() error { return e.Err }

type ConnectionError struct {
	Op  string // connect, reconnect
	Err error
}

func (e *ConnectionError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ShutdownError is logged, never returned to caller of shutdown.
type ShutdownError struct {
	Err error
}

func (e *ShutdownError) Error() string { return "shutdown: " + e.Err.Error() }
func (e *ShutdownError) Unwrap() error { return e.Err }

func IsConnectionDropped(err error) bool {
	return err != nil && errors.Cause(err) == ErrConnectionDropped
}
func IsClosed(err error) bool { return err != nil && errors.Cause(err) == ErrClosed }

func AsConfigMissing(err error) (*ConfigMissingError, bool) {
	e, ok := errors.Cause(err).(*ConfigMissingError)
	return e, ok
}

func AsProvisioning(err error) (*ProvisioningError, bool) {
	e, ok := errors.Cause(err).(*ProvisioningError)
	return e, ok
}

func AsConnection(err error) (*ConnectionError, bool) {
	e, ok := errors.Cause(err).(*ConnectionError)
	return e, ok
}
