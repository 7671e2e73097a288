// Package hub is the contract between the telemetry loop and the external
// device connectivity service: provisioning authority, hub connection and
// device twin. Implementations live elsewhere (package azure, tests).
package hub

import (
	"context"

	"github.com/temoto/airtele/internal/telemetry"
)

const (
	DefaultEndpoint = "global.azure-devices-provisioning.net"
	DefaultModelID  = "dtmi:training101:airthings_4gt;1"

	StatusAssigned = "assigned"
)

// Identity of device at provisioning authority.
type Identity struct {
	Endpoint string
	IDScope  string
	DeviceID string
	Key      string // base64 shared symmetric key
}

// Assignment is provisioning result. Hub and DeviceID are valid only with Status=assigned.
type Assignment struct {
	Status   string
	Hub      string
	DeviceID string
}

type Provisioner interface {
	// Register blocks until authority reports final status or fails.
	Register(ctx context.Context, id Identity, modelID string) (Assignment, error)
}

type Dialer interface {
	// Dial prepares connection handle, no network IO.
	Dial(id Identity, a Assignment, modelID string) (Conn, error)
}

// Conn contract:
// - Connect may be called again after connection is lost, on same handle
// - Send returns error with cause ErrConnectionDropped when link is down
// - Send and NextPatch/Report may be called concurrently
// - NextPatch blocks until patch arrives, ctx done or Close
type Conn interface {
	Connect(ctx context.Context) error
	Connected() bool
	Send(ctx context.Context, msg *telemetry.Message) error
	NextPatch(ctx context.Context) (Patch, error)
	Report(ctx context.Context, r Reported) error
	Close() error
}
