package protocol

import "encoding/binary"

// newFrame returns a zero-padded frame with the start marker and command
// code already set. The payload begins at byte 2.
func newFrame(cmd byte) []byte {
	frame := make([]byte, FrameLength)
	frame[0] = FrameStart
	frame[1] = cmd
	return frame
}

// EncodePower builds the power on/off command frame.
func EncodePower(on bool) []byte {
	frame := newFrame(CmdPower)
	if on {
		frame[2] = PowerOn
	} else {
		frame[2] = PowerOff
	}
	return frame
}

// EncodeBrightness builds the brightness command frame. The value is
// clamped to [0, 100] before encoding.
func EncodeBrightness(brightness int) []byte {
	frame := newFrame(CmdBrightness)
	frame[2] = ClampBrightness(brightness)
	return frame
}

// EncodeTemperature builds the white color temperature command frame.
// Kelvin is clamped to [1700, 6500] and sent big-endian.
func EncodeTemperature(kelvin, brightness int) []byte {
	frame := newFrame(CmdTemp)
	binary.BigEndian.PutUint16(frame[2:4], ClampKelvin(kelvin))
	frame[4] = ClampBrightness(brightness)
	return frame
}

// EncodeColor builds the RGB color command frame.
func EncodeColor(red, green, blue uint8, brightness int) []byte {
	frame := newFrame(CmdColor)
	frame[2] = red
	frame[3] = green
	frame[4] = blue
	frame[5] = 0x01 // color mode marker
	frame[6] = ClampBrightness(brightness)
	return frame
}

// EncodeGetState builds the state query command frame.
func EncodeGetState() []byte {
	frame := newFrame(CmdGetState)
	frame[2] = GetStateSec
	return frame
}

// EncodePair builds the pairing handshake command frame.
func EncodePair() []byte {
	frame := newFrame(CmdPair)
	frame[2] = PairOn
	return frame
}

// EncodeGetName builds the device name query frame.
func EncodeGetName() []byte {
	return newFrame(CmdGetName)
}

// EncodeGetVersion builds the firmware version query frame.
func EncodeGetVersion() []byte {
	return newFrame(CmdGetVersion)
}

// EncodeGetSerial builds the serial number query frame.
func EncodeGetSerial() []byte {
	return newFrame(CmdGetSerial)
}
