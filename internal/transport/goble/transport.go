// Package goble implements the lamp.Transport capability on top of the
// go-ble BLE stack.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/candela/internal/groutine"
	"github.com/srg/candela/internal/lamp"
)

// retryBackoff is slept between failed connection attempts.
const retryBackoff = 500 * time.Millisecond

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "central manager has invalid state") {
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// Transport is the go-ble backed lamp.Transport implementation.
type Transport struct {
	logger *logrus.Logger

	initOnce sync.Once
	initErr  error
}

// NewTransport creates a Transport. A nil logger is replaced with a default.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// init creates and installs the default BLE device once per process.
func (t *Transport) init() error {
	t.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			t.initErr = fmt.Errorf("failed to create BLE device: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return t.initErr
}

// Connect dials the device with bounded retry, discovers its GATT profile
// and installs the disconnect callback. Each attempt gets its own timeout.
func (t *Transport) Connect(ctx context.Context, identity lamp.DeviceIdentity, onDisconnect lamp.DisconnectCallback, maxAttempts int, timeout time.Duration) (lamp.TransportHandle, error) {
	if err := t.init(); err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t.logger.WithFields(logrus.Fields{
			"address": identity.Address,
			"attempt": attempt,
		}).Debug("Dialing BLE device...")

		client, err := t.dial(ctx, identity.Address, timeout)
		if err == nil {
			handle, herr := newHandle(client, identity, onDisconnect, t.logger)
			if herr == nil {
				t.logger.WithField("address", identity.Address).Info("BLE device connected")
				return handle, nil
			}
			err = herr
		}

		lastErr = err
		t.logger.WithFields(logrus.Fields{
			"address": identity.Address,
			"attempt": attempt,
			"error":   err,
		}).Debug("Connection attempt failed")

		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt < maxAttempts {
			time.Sleep(retryBackoff)
		}
	}

	return nil, &lamp.ConnectError{Address: identity.Address, Attempts: maxAttempts, Err: lastErr}
}

func (t *Transport) dial(ctx context.Context, address string, timeout time.Duration) (ble.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ble.Dial(connCtx, ble.NewAddr(address))
}

// Handle is one live GATT session to a lamp.
type Handle struct {
	client  ble.Client
	profile *ble.Profile
	logger  *logrus.Logger

	writeMu   sync.Mutex
	connected atomic.Bool
	cbOnce    sync.Once
}

// newHandle discovers the profile and starts the disconnect monitor. The
// connection is cancelled if discovery fails.
func newHandle(client ble.Client, identity lamp.DeviceIdentity, onDisconnect lamp.DisconnectCallback, logger *logrus.Logger) (*Handle, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithError(cancelErr).Debug("Cancel after discovery failure failed")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	h := &Handle{
		client:  client,
		profile: profile,
		logger:  logger,
	}
	h.connected.Store(true)

	// The client reports link loss on its Disconnected channel, whether
	// the teardown was local or remote.
	if monitored, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(nil, "link-monitor:"+identity.Address, func(context.Context) {
			<-monitored.Disconnected()
			h.connected.Store(false)
			h.fireDisconnect(onDisconnect, identity.Address)
		})
	} else {
		logger.Debug("Client does not expose a Disconnected channel; relying on write failures")
	}

	return h, nil
}

func (h *Handle) fireDisconnect(onDisconnect lamp.DisconnectCallback, address string) {
	h.cbOnce.Do(func() {
		h.logger.WithField("address", address).Debug("Link dropped")
		if onDisconnect != nil {
			onDisconnect()
		}
	})
}

// findCharacteristic locates a characteristic in the discovered profile by
// UUID, tolerating dashed and undashed notations.
func (h *Handle) findCharacteristic(uuid string) (*ble.Characteristic, error) {
	want := normalizeUUID(uuid)
	for _, svc := range h.profile.Services {
		for _, char := range svc.Characteristics {
			if normalizeUUID(char.UUID.String()) == want {
				return char, nil
			}
		}
	}
	return nil, fmt.Errorf("characteristic %q not found", uuid)
}

// Write sends data to a characteristic. Writes are serialized per handle.
func (h *Handle) Write(ctx context.Context, charUUID string, data []byte, withResponse bool) error {
	if !h.connected.Load() {
		return &lamp.WriteError{CharUUID: charUUID, Err: fmt.Errorf("not connected")}
	}

	char, err := h.findCharacteristic(charUUID)
	if err != nil {
		return &lamp.WriteError{CharUUID: charUUID, Err: err}
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.client.WriteCharacteristic(char, data, !withResponse); err != nil {
		return &lamp.WriteError{CharUUID: charUUID, Err: err}
	}

	h.logger.WithFields(logrus.Fields{
		"characteristic": charUUID,
		"bytes":          len(data),
		"response":       withResponse,
	}).Debug("Wrote characteristic")
	return nil
}

// Subscribe registers a notification handler on a characteristic.
func (h *Handle) Subscribe(charUUID string, handler lamp.NotificationHandler) error {
	char, err := h.findCharacteristic(charUUID)
	if err != nil {
		return err
	}

	if err := h.client.Subscribe(char, false, func(data []byte) {
		handler(data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", charUUID, err)
	}

	h.logger.WithField("characteristic", charUUID).Debug("Subscribed to notifications")
	return nil
}

// ListServices returns the discovered profile in discovery order, reading
// characteristic values best-effort for diagnostics.
func (h *Handle) ListServices() ([]lamp.ServiceInfo, error) {
	if h.profile == nil {
		return nil, lamp.ErrUnsupported
	}

	services := orderedmap.New[string, *lamp.ServiceInfo]()
	for _, svc := range h.profile.Services {
		uuid := normalizeUUID(svc.UUID.String())
		info, present := services.Get(uuid)
		if !present {
			info = &lamp.ServiceInfo{UUID: uuid}
			services.Set(uuid, info)
		}

		for _, char := range svc.Characteristics {
			value, err := h.client.ReadCharacteristic(char)
			if err != nil {
				value = nil // read failures are expected on write-only characteristics
			}
			info.Characteristics = append(info.Characteristics, lamp.CharacteristicValue{
				UUID:       normalizeUUID(char.UUID.String()),
				Properties: propertiesString(char.Property),
				Value:      value,
			})
		}
	}

	result := make([]lamp.ServiceInfo, 0, services.Len())
	for pair := services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, *pair.Value)
	}
	return result, nil
}

// IsConnected reports whether the link is still up.
func (h *Handle) IsConnected() bool {
	return h.connected.Load()
}

// Disconnect cancels the connection. Safe to call on a dead link.
func (h *Handle) Disconnect() error {
	if !h.connected.CompareAndSwap(true, false) {
		return nil
	}
	return h.client.CancelConnection()
}

// normalizeUUID converts a UUID string to lowercase without dashes, the
// format the BLE library uses internally.
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// propertiesString renders characteristic property flags for logging.
func propertiesString(p ble.Property) string {
	var props []string
	if p&ble.CharBroadcast != 0 {
		props = append(props, "broadcast")
	}
	if p&ble.CharRead != 0 {
		props = append(props, "read")
	}
	if p&ble.CharWriteNR != 0 {
		props = append(props, "write-without-response")
	}
	if p&ble.CharWrite != 0 {
		props = append(props, "write")
	}
	if p&ble.CharNotify != 0 {
		props = append(props, "notify")
	}
	if p&ble.CharIndicate != 0 {
		props = append(props, "indicate")
	}
	return strings.Join(props, ",")
}
