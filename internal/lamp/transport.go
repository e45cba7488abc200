package lamp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DeviceIdentity identifies one physical lamp. It is immutable per Lamp
// except for address refreshes delivered through an IdentityResolver.
type DeviceIdentity struct {
	Address string
	Name    string
}

// IdentityResolver returns a possibly-updated identity for the same logical
// device. The transport address can change behind a relay, so the resolver
// is consulted before every fresh connection attempt. A nil result means
// "no update available".
type IdentityResolver func() *DeviceIdentity

// DisconnectCallback is invoked by the transport when the link drops,
// whether or not the driver initiated the teardown.
type DisconnectCallback func()

// NotificationHandler receives raw notification frames from the notify
// characteristic. The data slice is only valid for the duration of the call.
type NotificationHandler func(data []byte)

// CharacteristicValue is one characteristic in a diagnostic service dump.
type CharacteristicValue struct {
	UUID       string
	Properties string
	Value      []byte
}

// ServiceInfo is one GATT service in a diagnostic service dump.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicValue
}

// Transport is the BLE capability the driver consumes. Implementations
// establish GATT sessions; the driver never touches the BLE stack directly.
type Transport interface {
	// Connect establishes a session with bounded retry. onDisconnect is
	// installed on the resulting handle and fires exactly once when the
	// link drops.
	Connect(ctx context.Context, identity DeviceIdentity, onDisconnect DisconnectCallback, maxAttempts int, timeout time.Duration) (TransportHandle, error)
}

// TransportHandle is one live GATT session. Handles are replaced wholesale
// on reconnect, never mutated in place.
type TransportHandle interface {
	// Write sends data to a characteristic. withResponse false requests a
	// write-without-response, which the lamp's control characteristic needs.
	Write(ctx context.Context, charUUID string, data []byte, withResponse bool) error

	// Subscribe registers a handler for notifications on a characteristic.
	Subscribe(charUUID string, handler NotificationHandler) error

	// ListServices returns the discovered GATT profile for diagnostics.
	// Transports without profile access return ErrUnsupported.
	ListServices() ([]ServiceInfo, error)

	IsConnected() bool
	Disconnect() error
}

// ErrUnsupported is returned by optional transport capabilities that a
// backend does not provide.
var ErrUnsupported = errors.New("unsupported")

// WriteError wraps a characteristic write failure.
type WriteError struct {
	CharUUID string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to characteristic %q failed: %v", e.CharUUID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ConnectError wraps a connection establishment failure after all attempts
// were exhausted.
type ConnectError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %q after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
