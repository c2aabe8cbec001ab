package gaia

import (
	"fmt"

	"github.com/pkg/errors"
)

// Decode errors. Malformed bytes are dropped and logged, never fatal to a connection.
var (
	ErrTooShort            = errors.New("gaia: packet too short")
	ErrChecksumMismatch    = errors.New("gaia: checksum mismatch")
	ErrMissingStartOfFrame = errors.New("gaia: missing start of frame")
)

var (
	ErrPayloadTooLong         = errors.New("gaia: payload too long")
	ErrAlreadyAcknowledgement = errors.New("gaia: cannot acknowledge an acknowledgement")
	ErrUnknownTransport       = errors.New("gaia: unknown transport")

	// ErrTimeout marks an operation or request whose deadline passed without a callback or ack
	ErrTimeout = errors.New("gaia: timed out")

	// ErrUnsupportedCommand marks an inbound packet nobody claimed; it is auto-acknowledged with NotSupported
	ErrUnsupportedCommand = errors.New("gaia: unsupported command")
)

// IsDecodeError reports whether err came from decoding malformed bytes
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrTooShort) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrMissingStartOfFrame)
}

// TransportError wraps a failure to dispatch a socket write or GATT call.
// It is handled exactly like a failed completion callback.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
