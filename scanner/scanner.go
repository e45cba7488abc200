// Package scanner discovers nearby Candela and Bedside lamps by their
// advertised name prefixes.
package scanner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/candela/internal/lamp"
	"github.com/srg/candela/internal/protocol"
	"github.com/srg/candela/internal/ringchan"
	"github.com/srg/candela/internal/transport/goble"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is emitted for every matching advertisement.
type DeviceEvent struct {
	Type   DeviceEventType
	Device Discovered
}

// Discovered is one lamp seen during a scan.
type Discovered struct {
	Identity lamp.DeviceIdentity
	Model    protocol.Model
	RSSI     int
	LastSeen time.Time
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// NamePrefixes overrides the default lamp name filter. Empty means
	// the Candela ("yeelight_ms") and Bedside ("XMCTD_") prefixes.
	NamePrefixes []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        5 * time.Second,
		DuplicateFilter: true,
	}
}

// defaultPrefixes match the two lamp hardware variants.
var defaultPrefixes = []string{"yeelight_ms", "XMCTD_"}

// Scanner handles lamp discovery.
type Scanner struct {
	devices *hashmap.Map[string, Discovered]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a new lamp scanner.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
	}
}

// Scan performs BLE discovery and returns the lamps found, keyed by
// address. Scan failures are logged and yield an empty result set; they
// are never propagated to the caller.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) map[string]Discovered {
	s.devices = hashmap.New[string, Discovered]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting lamp scan...")
	progressCallback("Scanning")

	dev, err := goble.DeviceFactory()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to create BLE device, returning empty scan result")
		return map[string]Discovered{}
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() { s.scanOptions = nil }()

	err = dev.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.WithError(err).Warn("Scan failed, returning empty result set")
		return map[string]Discovered{}
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("Lamp scan completed")
	progressCallback("Processing results")

	devices := make(map[string]Discovered, s.devices.Len())
	s.devices.Range(func(key string, value Discovered) bool {
		devices[key] = value
		return true
	})
	return devices
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	if !s.shouldIncludeDevice(adv, s.scanOptions) {
		return
	}

	address := adv.Addr().String()
	name := strings.TrimSpace(adv.LocalName())

	entry := Discovered{
		Identity: lamp.DeviceIdentity{Address: address, Name: name},
		Model:    protocol.ModelFromName(name),
		RSSI:     adv.RSSI(),
		LastSeen: time.Now(),
	}

	_, existing := s.devices.Get(address)
	s.devices.Set(address, entry)

	event := DeviceEvent{Device: entry}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": address,
			"model":   string(entry.Model),
			"rssi":    entry.RSSI,
		}).Info("Discovered new lamp")
		event.Type = EventNew
	}

	s.events.Send(event)
}

// shouldIncludeDevice applies the name prefix and allow/block filters.
func (s *Scanner) shouldIncludeDevice(adv blelib.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	prefixes := opts.NamePrefixes
	if len(prefixes) == 0 {
		prefixes = defaultPrefixes
	}
	name := strings.TrimSpace(adv.LocalName())
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Events returns a read-only channel of device events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
