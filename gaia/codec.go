package gaia

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire layout constants
//
// BLE:    [VendorHi VendorLo CommandHi CommandLo Payload...]
// BR/EDR: [SOF Flags PayloadLength VendorHi VendorLo CommandHi CommandLo Payload... Checksum?]
const (
	SOF            = 0xFF
	FlagChecksum   = 0x01
	ChecksumLength = 1
	MaxPacketSize  = 254

	HeaderLengthBLE   = 4
	HeaderLengthBREDR = 7

	OffsetSOF     = 0
	OffsetFlags   = 1
	OffsetLength  = 2
	OffsetVendor  = 3
	OffsetCommand = 5
	OffsetPayload = 7
)

// Encode serializes a packet to the byte layout of its transport
func Encode(p Packet) ([]byte, error) {
	max := p.Transport.MaxPayloadLength()
	if max == 0 {
		return nil, ErrUnknownTransport
	}
	if len(p.Payload) > max {
		return nil, errors.Wrapf(ErrPayloadTooLong, "%d bytes, max %d on %s", len(p.Payload), max, p.Transport)
	}

	switch p.Transport {
	case TransportBLE:
		buf := make([]byte, HeaderLengthBLE+len(p.Payload))
		binary.BigEndian.PutUint16(buf[0:2], p.VendorID)
		binary.BigEndian.PutUint16(buf[2:4], p.Command)
		copy(buf[HeaderLengthBLE:], p.Payload)
		return buf, nil

	case TransportBREDR:
		size := HeaderLengthBREDR + len(p.Payload)
		if p.HasChecksum() {
			size += ChecksumLength
		}
		buf := make([]byte, size)
		buf[OffsetSOF] = SOF
		buf[OffsetFlags] = p.Flags
		buf[OffsetLength] = byte(len(p.Payload))
		binary.BigEndian.PutUint16(buf[OffsetVendor:OffsetVendor+2], p.VendorID)
		binary.BigEndian.PutUint16(buf[OffsetCommand:OffsetCommand+2], p.Command)
		copy(buf[OffsetPayload:], p.Payload)
		if p.HasChecksum() {
			buf[size-1] = Checksum(buf[:size-1])
		}
		return buf, nil

	default:
		return nil, ErrUnknownTransport
	}
}

// Decode parses bytes received on the given transport into a packet.
// Bytes past the declared BR/EDR length are ignored.
func Decode(data []byte, transport Transport) (Packet, error) {
	switch transport {
	case TransportBLE:
		if len(data) < HeaderLengthBLE {
			return Packet{}, errors.Wrapf(ErrTooShort, "need at least %d bytes, got %d", HeaderLengthBLE, len(data))
		}
		payload := make([]byte, len(data)-HeaderLengthBLE)
		copy(payload, data[HeaderLengthBLE:])
		return Packet{
			VendorID:  binary.BigEndian.Uint16(data[0:2]),
			Command:   binary.BigEndian.Uint16(data[2:4]),
			Payload:   payload,
			Transport: TransportBLE,
		}, nil

	case TransportBREDR:
		if len(data) < HeaderLengthBREDR {
			return Packet{}, errors.Wrapf(ErrTooShort, "need at least %d bytes, got %d", HeaderLengthBREDR, len(data))
		}
		if data[OffsetSOF] != SOF {
			return Packet{}, errors.Wrapf(ErrMissingStartOfFrame, "got 0x%02X", data[OffsetSOF])
		}
		flags := data[OffsetFlags]
		payloadLength := int(data[OffsetLength])
		total := FrameLength(flags, payloadLength)
		if len(data) < total {
			return Packet{}, errors.Wrapf(ErrTooShort, "declared %d bytes, got %d", total, len(data))
		}
		if flags&FlagChecksum != 0 {
			want := Checksum(data[:total-1])
			if got := data[total-1]; got != want {
				return Packet{}, errors.Wrapf(ErrChecksumMismatch, "got 0x%02X, computed 0x%02X", got, want)
			}
		}
		payload := make([]byte, payloadLength)
		copy(payload, data[OffsetPayload:OffsetPayload+payloadLength])
		return Packet{
			VendorID:  binary.BigEndian.Uint16(data[OffsetVendor : OffsetVendor+2]),
			Command:   binary.BigEndian.Uint16(data[OffsetCommand : OffsetCommand+2]),
			Payload:   payload,
			Transport: TransportBREDR,
			Flags:     flags,
		}, nil

	default:
		return Packet{}, ErrUnknownTransport
	}
}

// FrameLength returns the total BR/EDR frame size declared by a header
func FrameLength(flags uint8, payloadLength int) int {
	n := HeaderLengthBREDR + payloadLength
	if flags&FlagChecksum != 0 {
		n += ChecksumLength
	}
	return n
}

// Checksum is the XOR of every byte, SOF included
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}
