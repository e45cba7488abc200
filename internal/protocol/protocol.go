// Package protocol implements the vendor GATT framing spoken by the
// Yeelight Candela and Bedside lamps: fixed 18-byte command frames written
// to the control characteristic, and notification frames pushed back on the
// notify characteristic.
package protocol

import "strings"

// GATT characteristic UUIDs used by the lamp.
const (
	NotifyUUID  = "8f65073d-9f57-4aaa-afea-397d19d5bbeb"
	ControlUUID = "aa7d3f34-2d4f-41e0-807f-52fbf8cf7443"
)

// FrameLength is the fixed size of every command and notification frame.
const FrameLength = 18

// Every outgoing frame starts with this marker byte.
const FrameStart = 0x43

// Command codes (frame byte 1).
const (
	CmdPower      = 0x40
	CmdColor      = 0x41
	CmdBrightness = 0x42
	CmdTemp       = 0x43
	CmdGetState   = 0x44
	CmdGetName    = 0x52
	CmdGetVersion = 0x5C
	CmdGetSerial  = 0x5E
	CmdPair       = 0x67
)

// Command payload selectors.
const (
	PowerOn     = 0x01
	PowerOff    = 0x02
	GetStateSec = 0x02
	PairOn      = 0x02
)

// Response codes (notification byte 1).
const (
	ResGetState   = 0x45
	ResGetName    = 0x53
	ResGetVersion = 0x5D
	ResGetSerial  = 0x5F
	ResGetTime    = 0x62
	ResPair       = 0x63
)

// Pairing result codes carried in a ResPair notification.
const (
	PairConfirmRequest = 0x01
	PairSuccess        = 0x02
	PairRejected       = 0x03
	PairAlreadyPaired  = 0x04
)

// Value ranges enforced before transmission.
const (
	BrightnessMin = 0
	BrightnessMax = 100
	KelvinMin     = 1700
	KelvinMax     = 6500
)

// Model identifies the lamp hardware variant. The two variants use
// different state notification layouts.
type Model string

const (
	ModelCandela Model = "Candela"
	ModelBedside Model = "Bedside"
	ModelUnknown Model = "Unknown"
)

// Mode is the lamp's active light mode.
type Mode byte

const (
	ModeUnset Mode = 0x00
	ModeColor Mode = 0x01
	ModeWhite Mode = 0x02
	ModeFlow  Mode = 0x03
)

func (m Mode) String() string {
	switch m {
	case ModeColor:
		return "color"
	case ModeWhite:
		return "white"
	case ModeFlow:
		return "flow"
	default:
		return "unset"
	}
}

// ModelFromName derives the hardware variant from the advertised BLE name.
// Bedside lamps advertise as "XMCTD_*", Candelas as "yeelight_ms*".
func ModelFromName(bleName string) Model {
	name := strings.TrimSpace(bleName)
	switch {
	case strings.HasPrefix(name, "XMCTD_"):
		return ModelBedside
	case strings.HasPrefix(name, "yeelight_ms"):
		return ModelCandela
	default:
		return ModelUnknown
	}
}

// ClampBrightness bounds a brightness value to [BrightnessMin, BrightnessMax].
func ClampBrightness(b int) uint8 {
	if b < BrightnessMin {
		return BrightnessMin
	}
	if b > BrightnessMax {
		return BrightnessMax
	}
	return uint8(b)
}

// ClampKelvin bounds a color temperature to [KelvinMin, KelvinMax].
func ClampKelvin(k int) uint16 {
	if k < KelvinMin {
		return KelvinMin
	}
	if k > KelvinMax {
		return KelvinMax
	}
	return uint16(k)
}
