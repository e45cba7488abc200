// Package lamp implements the connection, pairing and command dispatch
// state machine for Yeelight Candela and Bedside lamps on top of an
// abstract BLE transport.
package lamp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/candela/internal/protocol"
)

// Options configures the timing behavior of a Lamp.
type Options struct {
	// ConnectTimeout bounds a single transport connection attempt.
	ConnectTimeout time.Duration
	// ConnectAttempts bounds how often the transport retries to connect.
	ConnectAttempts int
	// PairWait bounds the inline wait for a pairing result on models that
	// notify one (Bedside).
	PairWait time.Duration
	// ConfirmWait bounds the wait for physical button confirmation on
	// models that require it (Candela).
	ConfirmWait time.Duration
	// SettleInterval is slept after power and state commands to let the
	// firmware apply the change before a subsequent command races it.
	SettleInterval time.Duration
	// ReadServices enables a one-time diagnostic dump of the GATT profile
	// after the first connection, when debug logging is on.
	ReadServices bool
}

// DefaultOptions returns the timing defaults matching the device firmware.
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 4,
		PairWait:        5 * time.Second,
		ConfirmWait:     10 * time.Second,
		SettleInterval:  200 * time.Millisecond,
	}
}

// Lamp drives a single Candela or Bedside lamp. One Lamp is created per
// discovered device address and persists across reconnects; only its
// transport handle is replaced.
type Lamp struct {
	logger    *logrus.Logger
	transport Transport
	resolver  IdentityResolver
	opts      Options
	model     protocol.Model

	connMu sync.Mutex // serializes connection attempts
	opMu   sync.Mutex // serializes the ensure-paired-then-write sequence

	mu               sync.RWMutex // guards the fields below
	identity         DeviceIdentity
	handle           TransportHandle
	conn             ConnState
	notifySubscribed bool
	servicesRead     bool
	state            State

	pairResp  *pairSignal
	callbacks *callbackList
}

// New creates a Lamp for the given identity. The model tag is derived once
// from the advertised name. resolver may be nil; opts nil means defaults.
func New(transport Transport, identity DeviceIdentity, resolver IdentityResolver, opts *Options, logger *logrus.Logger) *Lamp {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	l := &Lamp{
		logger:    logger,
		transport: transport,
		resolver:  resolver,
		opts:      *opts,
		identity:  identity,
		model:     protocol.ModelFromName(identity.Name),
		conn:      Disconnected,
		pairResp:  newPairSignal(),
		callbacks: &callbackList{logger: logger},
	}
	if l.model == protocol.ModelCandela {
		l.state.Mode = protocol.ModeWhite
	}
	return l
}

// OnStateChanged registers a subscriber invoked after every state change.
func (l *Lamp) OnStateChanged(fn StateCallback) {
	l.callbacks.add(fn)
}

// Identity returns the current device identity.
func (l *Lamp) Identity() DeviceIdentity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.identity
}

// Address returns the current transport address.
func (l *Lamp) Address() string { return l.Identity().Address }

// Model returns the hardware variant derived from the advertised name.
func (l *Lamp) Model() protocol.Model { return l.model }

// ConnState returns the current connection state.
func (l *Lamp) ConnState() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

// Available reports whether the lamp is ready for commands. A lamp counts
// as available only once the pairing handshake has completed.
func (l *Lamp) Available() bool { return l.ConnState() == Paired }

// State returns a snapshot of the last-known device state.
func (l *Lamp) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Connect establishes the transport session. It is idempotent: if a live
// handle exists it returns immediately, normalizing a stale Disconnected
// state left behind by a disconnect callback.
func (l *Lamp) Connect(ctx context.Context) error {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	l.mu.Lock()
	stale := l.handle
	if stale != nil && stale.IsConnected() {
		if l.conn == Disconnected || l.conn == Unpaired {
			l.conn = Unpaired
		}
		l.mu.Unlock()
		return nil
	}
	l.handle = nil
	l.mu.Unlock()

	// Old handle from a previous epoch is dropped before a new one is
	// dialed, so two live handles never coexist.
	if stale != nil {
		if err := stale.Disconnect(); err != nil {
			l.logger.WithError(err).Debug("Dropping stale transport handle failed")
		}
	}

	if l.resolver != nil {
		if updated := l.resolver(); updated != nil && updated.Address != "" && updated.Address != l.Address() {
			l.logger.WithFields(logrus.Fields{
				"old": l.Address(),
				"new": updated.Address,
			}).Debug("Device address updated via resolver")
			l.mu.Lock()
			l.identity = *updated
			l.mu.Unlock()
		}
	}

	identity := l.Identity()
	l.logger.WithFields(logrus.Fields{
		"address": identity.Address,
		"name":    identity.Name,
	}).Debug("Initiating new connection")

	handle, err := l.transport.Connect(ctx, identity, l.onDisconnected, l.opts.ConnectAttempts, l.opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect to %q: %w", identity.Address, err)
	}

	l.mu.Lock()
	l.handle = handle
	l.conn = Unpaired
	l.notifySubscribed = false
	servicesRead := l.servicesRead
	l.mu.Unlock()

	l.logger.WithField("address", identity.Address).Debug("Connected")

	if l.opts.ReadServices && !servicesRead && l.logger.IsLevelEnabled(logrus.DebugLevel) {
		l.dumpServices(handle)
		l.mu.Lock()
		l.servicesRead = true
		l.mu.Unlock()
	}
	return nil
}

// Disconnect tears down the transport defensively. Errors are logged, never
// propagated; the connection state always ends up Disconnected.
func (l *Lamp) Disconnect() {
	l.mu.Lock()
	handle := l.handle
	l.handle = nil
	l.mu.Unlock()

	if handle == nil {
		return
	}
	if err := handle.Disconnect(); err != nil {
		l.logger.WithError(err).Debug("Disconnect error")
	}

	l.mu.Lock()
	l.conn = Disconnected
	l.notifySubscribed = false
	l.mu.Unlock()
	l.callbacks.fire()
}

// onDisconnected is installed on every transport handle. A dropped link
// invalidates the notification subscription and the active mode.
func (l *Lamp) onDisconnected() {
	l.logger.WithField("address", l.Address()).Debug("Transport reported disconnect")
	l.mu.Lock()
	l.state.Mode = protocol.ModeUnset
	l.conn = Disconnected
	l.notifySubscribed = false
	l.mu.Unlock()
	l.callbacks.fire()
}

// EnsurePaired connects, subscribes to notifications once per session, and
// drives the pairing handshake until the lamp is Paired. Lamps that never
// notify a pairing result are assumed paired after the handshake write;
// this is a deliberate best-effort fallback.
func (l *Lamp) EnsurePaired(ctx context.Context) error {
	if err := l.Connect(ctx); err != nil {
		return err
	}

	l.mu.RLock()
	handle := l.handle
	subscribed := l.notifySubscribed
	l.mu.RUnlock()
	if handle == nil {
		return errors.New("no transport handle after connect")
	}

	if !subscribed {
		if err := handle.Subscribe(protocol.NotifyUUID, l.handleNotification); err != nil {
			// Some firmware variants pair fine without an active
			// notification subscription.
			l.logger.WithError(err).Debug("Notification subscribe failed, continuing")
		} else {
			l.logger.WithField("characteristic", protocol.NotifyUUID).Debug("Notifications started")
			l.mu.Lock()
			l.notifySubscribed = true
			l.mu.Unlock()
		}
	}

	if l.ConnState() == Paired {
		return nil
	}

	l.pair(ctx, handle)

	if l.ConnState() != Paired && l.model == protocol.ModelCandela {
		l.logger.Warn("If this is the first pairing, press the lamp's small button now")
		if !l.pairResp.wait(l.opts.ConfirmWait) {
			l.logger.Debug("Pairing confirmation wait timed out")
		}
	}

	if l.ConnState() != Paired {
		// Some lamps never notify a pairing result at all.
		l.logger.Warn("No pairing result received, assuming paired")
		l.mu.Lock()
		l.conn = Paired
		l.mu.Unlock()
	}

	l.callbacks.fire()
	return nil
}

// pair sends the pairing handshake. It is a no-op unless the connection is
// Unpaired or Pairing. Write failures are logged and tolerated.
func (l *Lamp) pair(ctx context.Context, handle TransportHandle) {
	st := l.ConnState()
	if st != Unpaired && st != Pairing {
		return
	}

	l.pairResp.reset()
	if err := handle.Write(ctx, protocol.ControlUUID, protocol.EncodePair(), false); err != nil {
		l.logger.WithError(err).Debug("Pair write failed")
		return
	}

	if l.model == protocol.ModelBedside {
		if !l.pairResp.wait(l.opts.PairWait) {
			l.logger.Debug("Pair wait timed out; device may still be paired")
		}
	}
}

// sendCmd is the single choke point for all writes. It serializes the
// entire ensure-paired-then-write sequence, writes without response, and on
// first failure disconnects, reconnects and retries exactly once.
func (l *Lamp) sendCmd(ctx context.Context, frame []byte, settle time.Duration) bool {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if err := l.EnsurePaired(ctx); err != nil {
		l.logger.WithError(err).Debug("Send command failed during pairing")
		return false
	}

	l.mu.RLock()
	handle := l.handle
	l.mu.RUnlock()
	if handle == nil {
		return false
	}

	if err := handle.Write(ctx, protocol.ControlUUID, frame, false); err != nil {
		l.logger.WithError(err).Debug("First write failed, reconnecting once")
		l.Disconnect()
		if cerr := l.Connect(ctx); cerr != nil {
			l.logger.WithError(cerr).Debug("Reconnect after write failure failed")
			return false
		}
		l.mu.RLock()
		handle = l.handle
		l.mu.RUnlock()
		if handle == nil {
			return false
		}
		if rerr := handle.Write(ctx, protocol.ControlUUID, frame, false); rerr != nil {
			l.logger.WithError(rerr).Debug("Retried write failed")
			return false
		}
	}

	if settle > 0 {
		time.Sleep(settle)
	}
	return true
}

// TurnOn powers the lamp on. On success the local state is updated
// optimistically; the next state notification reconciles it.
func (l *Lamp) TurnOn(ctx context.Context) bool {
	l.logger.Debug("Send command: turn on")
	if !l.sendCmd(ctx, protocol.EncodePower(true), l.opts.SettleInterval) {
		return false
	}
	l.mu.Lock()
	l.state.IsOn = true
	l.mu.Unlock()
	l.callbacks.fire()
	return true
}

// TurnOff powers the lamp off.
func (l *Lamp) TurnOff(ctx context.Context) bool {
	l.logger.Debug("Send command: turn off")
	if !l.sendCmd(ctx, protocol.EncodePower(false), l.opts.SettleInterval) {
		return false
	}
	l.mu.Lock()
	l.state.IsOn = false
	l.mu.Unlock()
	l.callbacks.fire()
	return true
}

// SetBrightness sets the brightness, clamped to [0, 100].
func (l *Lamp) SetBrightness(ctx context.Context, brightness int) bool {
	clamped := protocol.ClampBrightness(brightness)
	l.logger.WithField("brightness", clamped).Debug("Send command: brightness")
	if !l.sendCmd(ctx, protocol.EncodeBrightness(brightness), 0) {
		return false
	}
	l.mu.Lock()
	l.state.Brightness = clamped
	l.mu.Unlock()
	l.callbacks.fire()
	return true
}

// SetTemperature sets the white color temperature in Kelvin, clamped to
// [1700, 6500]. A negative brightness keeps the current brightness.
func (l *Lamp) SetTemperature(ctx context.Context, kelvin, brightness int) bool {
	if brightness < 0 {
		brightness = int(l.State().Brightness)
	}
	kClamped := protocol.ClampKelvin(kelvin)
	bClamped := protocol.ClampBrightness(brightness)
	l.logger.WithFields(logrus.Fields{
		"kelvin":     kClamped,
		"brightness": bClamped,
	}).Debug("Send command: temperature")
	if !l.sendCmd(ctx, protocol.EncodeTemperature(kelvin, brightness), 0) {
		return false
	}
	l.mu.Lock()
	l.state.Temperature = kClamped
	l.state.Brightness = bClamped
	l.state.Mode = protocol.ModeWhite
	l.mu.Unlock()
	l.callbacks.fire()
	return true
}

// SetColor sets an RGB color. A negative brightness keeps the current
// brightness.
func (l *Lamp) SetColor(ctx context.Context, red, green, blue uint8, brightness int) bool {
	if brightness < 0 {
		brightness = int(l.State().Brightness)
	}
	bClamped := protocol.ClampBrightness(brightness)
	l.logger.WithFields(logrus.Fields{
		"rgb":        fmt.Sprintf("(%d,%d,%d)", red, green, blue),
		"brightness": bClamped,
	}).Debug("Send command: color")
	if !l.sendCmd(ctx, protocol.EncodeColor(red, green, blue, brightness), 0) {
		return false
	}
	l.mu.Lock()
	l.state.Red, l.state.Green, l.state.Blue = red, green, blue
	l.state.Brightness = bClamped
	l.state.Mode = protocol.ModeColor
	l.mu.Unlock()
	l.callbacks.fire()
	return true
}

// GetState requests a state notification from the lamp. The state model is
// updated asynchronously when the notification arrives.
func (l *Lamp) GetState(ctx context.Context) bool {
	l.logger.Debug("Send command: get state")
	return l.sendCmd(ctx, protocol.EncodeGetState(), l.opts.SettleInterval)
}

// RequestName asks the lamp to report its name. The response is logged only.
func (l *Lamp) RequestName(ctx context.Context) bool {
	return l.sendCmd(ctx, protocol.EncodeGetName(), l.opts.SettleInterval)
}

// RequestVersion asks the lamp to report its firmware version.
func (l *Lamp) RequestVersion(ctx context.Context) bool {
	return l.sendCmd(ctx, protocol.EncodeGetVersion(), l.opts.SettleInterval)
}

// RequestSerial asks the lamp to report its serial number.
func (l *Lamp) RequestSerial(ctx context.Context) bool {
	return l.sendCmd(ctx, protocol.EncodeGetSerial(), l.opts.SettleInterval)
}

// handleNotification decodes frames from the notify characteristic.
// Malformed frames are discarded silently.
func (l *Lamp) handleNotification(data []byte) {
	l.logger.WithField("data", fmt.Sprintf("%x", data)).Debug("Received notification")

	n, ok := protocol.Decode(data, l.model)
	if !ok {
		return
	}

	switch ev := n.(type) {
	case protocol.StateNotification:
		l.applyState(ev)
	case protocol.PairNotification:
		l.applyPairResult(ev.Code)
	case protocol.IgnoredNotification:
		l.logger.WithFields(logrus.Fields{
			"response": fmt.Sprintf("0x%02x", ev.Response),
			"payload":  fmt.Sprintf("%x", ev.Payload),
		}).Debug("Ignoring notification")
	}
}

// applyState updates the device state from a decoded state notification.
// Mode stays Unset unless the connection is Paired.
func (l *Lamp) applyState(ev protocol.StateNotification) {
	l.mu.Lock()
	paired := l.conn == Paired

	l.state.IsOn = ev.IsOn
	mode := protocol.ModeUnset
	if paired {
		mode = ev.Mode
	}
	if l.model == protocol.ModelCandela {
		l.state.Brightness = ev.Brightness
		l.state.Mode = mode
	} else {
		l.state.Mode = mode
		l.state.Red, l.state.Green, l.state.Blue = ev.Red, ev.Green, ev.Blue
		l.state.Brightness = ev.Brightness
		l.state.Temperature = ev.Temperature
	}
	state := l.state
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"on":         state.IsOn,
		"brightness": state.Brightness,
		"mode":       state.Mode.String(),
	}).Debug("State notification applied")
	l.callbacks.fire()
}

// applyPairResult maps pairing result codes to connection state
// transitions and unblocks any waiter on the pairing signal.
func (l *Lamp) applyPairResult(code byte) {
	switch code {
	case protocol.PairConfirmRequest:
		l.logger.Warn("Pairing request: press the lamp's small button to confirm")
		l.mu.Lock()
		l.state.Mode = protocol.ModeUnset
		l.conn = Pairing
		l.mu.Unlock()
	case protocol.PairSuccess, protocol.PairAlreadyPaired:
		l.logger.Debug("Pairing successful or already paired")
		l.mu.Lock()
		l.conn = Paired
		l.mu.Unlock()
	case protocol.PairRejected:
		l.logger.Error("Pairing rejected; will attempt again on next command")
		l.mu.Lock()
		l.state.Mode = protocol.ModeUnset
		l.conn = Unpaired
		l.mu.Unlock()
	default:
		l.logger.WithField("code", fmt.Sprintf("0x%02x", code)).Error("Unexpected pairing code")
		l.mu.Lock()
		l.state.Mode = protocol.ModeUnset
		l.conn = Unpaired
		l.mu.Unlock()
	}
	l.pairResp.fire()
}

// dumpServices logs the discovered GATT profile once per Lamp. Transports
// without profile access are tolerated.
func (l *Lamp) dumpServices(handle TransportHandle) {
	services, err := handle.ListServices()
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			l.logger.Debug("Service listing not supported by transport, skipping")
		} else {
			l.logger.WithError(err).Debug("Service listing failed")
		}
		return
	}

	for _, svc := range services {
		l.logger.WithField("service", svc.UUID).Debug("Discovered service")
		for _, ch := range svc.Characteristics {
			l.logger.WithFields(logrus.Fields{
				"service":        svc.UUID,
				"characteristic": ch.UUID,
				"properties":     ch.Properties,
				"value":          fmt.Sprintf("%x", ch.Value),
			}).Debug("Discovered characteristic")
		}
	}
}
