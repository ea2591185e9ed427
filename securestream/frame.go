package securestream

import (
	"encoding/binary"
	"fmt"
)

// Frame type discriminators (spec.md §4.F).
const (
	FrameData  uint8 = 0
	FrameAck   uint8 = 1
	FrameReset uint8 = 2
	FrameFin   uint8 = 3
)

// frameHeaderLen is the type+seq prefix shared by DATA and ACK frames.
const frameHeaderLen = 5

// ackFrameLen is the full size of an ACK frame: type(1) seq(4) win(2).
const ackFrameLen = 7

// Frame is a decoded securestream record.
type Frame struct {
	Type    uint8
	Seq     uint32
	Window  uint16
	Payload []byte
}

// EncodeData builds a DATA frame carrying payload starting at seq.
func EncodeData(seq uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = FrameData
	binary.BigEndian.PutUint32(buf[1:5], seq)
	copy(buf[5:], payload)
	return buf
}

// EncodeAck builds a stand-alone or piggy-backed ACK frame.
func EncodeAck(nextSequence uint32, window uint16) []byte {
	buf := make([]byte, ackFrameLen)
	buf[0] = FrameAck
	binary.BigEndian.PutUint32(buf[1:5], nextSequence)
	binary.BigEndian.PutUint16(buf[5:7], window)
	return buf
}

// EncodeReset builds a RESET frame.
func EncodeReset() []byte {
	return []byte{FrameReset}
}

// DecodeFrame parses a frame from decrypted stream payload.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, fmt.Errorf("securestream: empty frame")
	}
	switch b[0] {
	case FrameData:
		if len(b) < frameHeaderLen {
			return Frame{}, fmt.Errorf("securestream: truncated DATA frame")
		}
		return Frame{
			Type:    FrameData,
			Seq:     binary.BigEndian.Uint32(b[1:5]),
			Payload: b[5:],
		}, nil
	case FrameAck:
		if len(b) != ackFrameLen {
			return Frame{}, fmt.Errorf("securestream: malformed ACK frame")
		}
		return Frame{
			Type:   FrameAck,
			Seq:    binary.BigEndian.Uint32(b[1:5]),
			Window: binary.BigEndian.Uint16(b[5:7]),
		}, nil
	case FrameReset:
		return Frame{Type: FrameReset}, nil
	case FrameFin:
		// Parsed for forward compatibility with peers that send it, but
		// this implementation never constructs one; CLOSING always
		// drains and sends RESET instead (spec.md §4.F, Open Question).
		return Frame{Type: FrameFin}, nil
	default:
		return Frame{}, fmt.Errorf("securestream: unknown frame type %d", b[0])
	}
}
