// Package rfcomm dials the GAIA serial port profile over a raw RFCOMM socket.
package rfcomm

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultChannel is the RFCOMM channel GAIA devices usually register the SPP service on
const DefaultChannel = 1

// ParseAddress converts "AA:BB:CC:DD:EE:FF" into the kernel's bdaddr_t,
// which stores the octets least significant first.
func ParseAddress(address string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return addr, errors.Errorf("rfcomm: invalid Bluetooth address %q", address)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return addr, errors.Errorf("rfcomm: invalid Bluetooth address %q", address)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, errors.Errorf("rfcomm: invalid Bluetooth address %q", address)
		}
		addr[5-i] = byte(b)
	}
	return addr, nil
}

// Dialer opens RFCOMM streams on a fixed channel
type Dialer struct {
	Channel uint8
}

// NewDialer returns a dialer for channel, falling back to DefaultChannel when it is 0
func NewDialer(channel uint8) *Dialer {
	if channel == 0 {
		channel = DefaultChannel
	}
	return &Dialer{Channel: channel}
}
