package engine

import "github.com/pkg/errors"

var (
	// ErrNotConnected is returned by send calls outside the Connected state
	ErrNotConnected = errors.New("engine: not connected")

	// ErrInvalidState is returned by Connect, Reconnect and Disconnect when the lifecycle does not allow them
	ErrInvalidState = errors.New("engine: invalid connection state")

	// ErrClosed is returned by every call after Close
	ErrClosed = errors.New("engine: closed")

	// ErrNoTarget is returned by Connect with an empty target and by Reconnect before any Connect
	ErrNoTarget = errors.New("engine: no target")

	// ErrWrongTransport is returned by BLE-only calls on a stream engine
	ErrWrongTransport = errors.New("engine: not available on this transport")
)
