package protocol

import "encoding/binary"

// Notification is a decoded incoming frame. Exactly one of the concrete
// types below is returned by Decode.
type Notification interface {
	responseCode() byte
}

// StateNotification carries the lamp state reported by a ResGetState frame.
// Which fields are meaningful depends on the model the frame was decoded
// for: Candela frames only carry IsOn, Brightness and Mode; Bedside frames
// additionally carry RGB and Temperature.
type StateNotification struct {
	IsOn        bool
	Mode        Mode
	Brightness  uint8
	Red         uint8
	Green       uint8
	Blue        uint8
	Temperature uint16
}

func (StateNotification) responseCode() byte { return ResGetState }

// PairNotification carries the result code of a pairing handshake.
type PairNotification struct {
	Code byte
}

func (PairNotification) responseCode() byte { return ResPair }

// IgnoredNotification is returned for well-formed frames the driver does
// not interpret (name, version, serial, time responses).
type IgnoredNotification struct {
	Response byte
	Payload  []byte
}

func (n IgnoredNotification) responseCode() byte { return n.Response }

// Decode parses a notification frame for the given lamp model. It returns
// (nil, false) for frames that are too short or otherwise malformed;
// callers treat that as a no-op.
func Decode(data []byte, model Model) (Notification, bool) {
	if len(data) != FrameLength {
		return nil, false
	}

	switch data[1] {
	case ResGetState:
		return decodeState(data, model), true
	case ResPair:
		return PairNotification{Code: data[2]}, true
	case ResGetName, ResGetVersion, ResGetSerial, ResGetTime:
		payload := make([]byte, FrameLength-2)
		copy(payload, data[2:])
		return IgnoredNotification{Response: data[1], Payload: payload}, true
	default:
		return nil, false
	}
}

// decodeState interprets the model-specific state layout. The Candela
// variant packs on/off, brightness and mode at low offsets; the Bedside
// variant packs on/off, mode, RGB, brightness and a big-endian temperature.
func decodeState(data []byte, model Model) StateNotification {
	n := StateNotification{IsOn: data[2] == PowerOn}

	if model == ModelCandela {
		n.Brightness = data[3]
		n.Mode = Mode(data[4])
		return n
	}

	n.Mode = Mode(data[3])
	n.Red = data[4]
	n.Green = data[5]
	n.Blue = data[6]
	n.Brightness = data[8]
	n.Temperature = binary.BigEndian.Uint16(data[9:11])
	return n
}
