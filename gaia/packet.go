package gaia

import (
	"encoding/hex"
	"fmt"
)

// Transport identifies which on-wire layout a packet uses
type Transport int

const (
	TransportBLE   Transport = iota // characteristic value delimits the packet
	TransportBREDR                  // RFCOMM byte stream with SOF envelope
)

func (t Transport) String() string {
	switch t {
	case TransportBLE:
		return "BLE"
	case TransportBREDR:
		return "BR/EDR"
	default:
		return fmt.Sprintf("Transport(%d)", int(t))
	}
}

// MaxPayloadLength returns the largest payload that fits in one packet on this transport
func (t Transport) MaxPayloadLength() int {
	switch t {
	case TransportBLE:
		return MaxPacketSize - HeaderLengthBLE
	case TransportBREDR:
		return MaxPacketSize - HeaderLengthBREDR - ChecksumLength
	default:
		return 0
	}
}

// Packet is a decoded GAIA packet.
// Command carries the ack flag in its top bit; Flags is only meaningful on BR/EDR.
type Packet struct {
	VendorID  uint16
	Command   uint16
	Payload   []byte
	Transport Transport
	Flags     uint8
}

// NewRequest builds a request packet. A BR/EDR request is sent without checksum.
func NewRequest(transport Transport, vendorID, command uint16, payload []byte) Packet {
	return Packet{
		VendorID:  vendorID,
		Command:   command &^ AckMask,
		Payload:   payload,
		Transport: transport,
	}
}

// BaseCommand returns the command without the ack flag
func (p Packet) BaseCommand() uint16 {
	return p.Command & CommandMask
}

// IsAck reports whether the packet is an acknowledgement
func (p Packet) IsAck() bool {
	return p.Command&AckMask != 0
}

// HasChecksum reports whether a BR/EDR packet carries a trailing checksum byte
func (p Packet) HasChecksum() bool {
	return p.Transport == TransportBREDR && p.Flags&FlagChecksum != 0
}

// Status returns the acknowledgement status carried in payload byte 0.
// ok is false for non-ack packets and for acks with an empty payload.
func (p Packet) Status() (status AckStatus, ok bool) {
	if !p.IsAck() || len(p.Payload) == 0 {
		return 0, false
	}
	return AckStatus(p.Payload[0]), true
}

// AckData returns the payload bytes that follow the status byte of an acknowledgement
func (p Packet) AckData() []byte {
	if !p.IsAck() || len(p.Payload) < 2 {
		return nil
	}
	return p.Payload[1:]
}

// Event returns the event id of an EVENT_NOTIFICATION packet
func (p Packet) Event() (event NotificationEvent, ok bool) {
	if p.IsAck() || p.BaseCommand() != CommandEventNotification || len(p.Payload) == 0 {
		return 0, false
	}
	return NotificationEvent(p.Payload[0]), true
}

// Acknowledge builds the acknowledgement of a received packet.
// The ack carries the same vendor and command with the ack bit set, and status as payload byte 0.
func (p Packet) Acknowledge(status AckStatus, data []byte) (Packet, error) {
	if p.IsAck() {
		return Packet{}, ErrAlreadyAcknowledgement
	}
	payload := make([]byte, 0, 1+len(data))
	payload = append(payload, byte(status))
	payload = append(payload, data...)
	return Packet{
		VendorID:  p.VendorID,
		Command:   p.Command | AckMask,
		Payload:   payload,
		Transport: p.Transport,
		Flags:     p.Flags,
	}, nil
}

func (p Packet) String() string {
	kind := "request"
	if p.IsAck() {
		kind = "ack"
		if status, ok := p.Status(); ok {
			kind = "ack(" + status.String() + ")"
		}
	}
	return fmt.Sprintf("%s vendor=0x%04X command=0x%04X %s payload=%s",
		p.Transport, p.VendorID, p.BaseCommand(), kind, hex.EncodeToString(p.Payload))
}

// Equal compares two packets field by field, treating nil and empty payloads as equal
func (p Packet) Equal(o Packet) bool {
	if p.VendorID != o.VendorID || p.Command != o.Command || p.Transport != o.Transport {
		return false
	}
	if p.Transport == TransportBREDR && p.Flags != o.Flags {
		return false
	}
	if len(p.Payload) != len(o.Payload) {
		return false
	}
	for i := range p.Payload {
		if p.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}
