package gaia

import (
	"github.com/blang/semver"
	"github.com/pkg/errors"
)

// ParseAPIVersion reads a successful GET_API_VERSION acknowledgement.
// The ack data is [protocolVersion, apiMajor, apiMinor].
func ParseAPIVersion(ack Packet) (protocol uint8, version semver.Version, err error) {
	if !ack.IsAck() || ack.BaseCommand() != CommandGetAPIVersion {
		err = errors.Errorf("gaia: not a GET_API_VERSION ack: %s", ack)
		return
	}
	status, ok := ack.Status()
	if !ok || status != StatusSuccess {
		err = errors.Errorf("gaia: GET_API_VERSION not successful: %s", ack)
		return
	}
	data := ack.AckData()
	if len(data) < 3 {
		err = errors.Wrapf(ErrTooShort, "GET_API_VERSION data has %d bytes, need 3", len(data))
		return
	}
	protocol = data[0]
	version = semver.Version{
		Major: uint64(data[1]),
		Minor: uint64(data[2]),
	}
	return
}
