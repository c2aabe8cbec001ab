// Package connection implements the connection lifecycle shared by the BLE and BR/EDR links.
//
// Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected
//
// Every transition to Disconnected runs the registered teardown hooks in registration order
// before the new state is published, so a reused link never sees stale queue, ack or framer state.
// Apart from State, IsConnected and Target, a Machine must only be used from the dispatch goroutine.
package connection

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/user/gaia-engine/logger"
)

var (
	// ErrInvalidTransition is returned when connect or disconnect is not allowed from the current state
	ErrInvalidTransition = errors.New("connection: invalid state transition")

	// ErrNoTarget is returned by Reconnect before any Connect
	ErrNoTarget = errors.New("connection: no previous target")
)

// Driver performs the transport side of a transition.
// Completion is reported back through TransportConnected, TransportFailed, TransportLost and TransportClosed.
type Driver interface {
	Open(target string) error
	Close() error
}

// Listener receives lifecycle events on the dispatch goroutine
type Listener interface {
	OnConnectionStateChanged(state State)
	OnConnectionFailed(err error)
	OnConnectionLost(err error)
}

// Machine owns the connection state
type Machine struct {
	state    int32
	target   atomic.Value
	driver   Driver
	listener Listener
	teardown []func()
	prefix   string
}

// New creates a machine in StateDisconnected. listener may be nil.
func New(prefix string, driver Driver, listener Listener) *Machine {
	return &Machine{
		driver:   driver,
		listener: listener,
		prefix:   prefix + " Connection",
	}
}

// OnTeardown registers fn to run on every transition to Disconnected and at the start of Disconnect
func (m *Machine) OnTeardown(fn func()) {
	m.teardown = append(m.teardown, fn)
}

// SetListener replaces the lifecycle listener
func (m *Machine) SetListener(l Listener) {
	m.listener = l
}

// State returns the current state; safe from any goroutine
func (m *Machine) State() State {
	return State(atomic.LoadInt32(&m.state))
}

// IsConnected reports whether sends are currently allowed
func (m *Machine) IsConnected() bool {
	return m.State() == StateConnected
}

// Target returns the last target passed to Connect
func (m *Machine) Target() string {
	t, _ := m.target.Load().(string)
	return t
}

// Connect starts connecting to target.
// A driver error is returned to the caller and leaves the machine Disconnected without events.
func (m *Machine) Connect(target string) error {
	if target == "" {
		return ErrNoTarget
	}
	if current := m.State(); current != StateDisconnected {
		return errors.Wrapf(ErrInvalidTransition, "connect while %s", current)
	}

	m.target.Store(target)
	atomic.StoreInt32(&m.state, int32(StateConnecting))
	if err := m.driver.Open(target); err != nil {
		atomic.StoreInt32(&m.state, int32(StateDisconnected))
		logger.Error(m.prefix, "cannot open %s: %v", target, err)
		return errors.Wrapf(err, "connect %s", target)
	}

	logger.Info(m.prefix, "connecting to %s", target)
	m.notifyState(StateConnecting)
	return nil
}

// Reconnect connects again to the last target
func (m *Machine) Reconnect() error {
	target := m.Target()
	if target == "" {
		return ErrNoTarget
	}
	return m.Connect(target)
}

// Disconnect tears down the components, then asks the driver to release the transport.
// The machine stays Disconnecting until TransportClosed, unless the driver fails to close.
func (m *Machine) Disconnect() error {
	current := m.State()
	if current != StateConnected && current != StateConnecting {
		return errors.Wrapf(ErrInvalidTransition, "disconnect while %s", current)
	}

	atomic.StoreInt32(&m.state, int32(StateDisconnecting))
	logger.Info(m.prefix, "disconnecting from %s", m.Target())
	m.runTeardown()
	m.notifyState(StateDisconnecting)

	if err := m.driver.Close(); err != nil {
		logger.Warn(m.prefix, "transport close failed, treating as closed: %v", err)
		m.toDisconnected()
	}
	return nil
}

// TransportConnected completes a connection attempt
func (m *Machine) TransportConnected() {
	if current := m.State(); current != StateConnecting {
		logger.Warn(m.prefix, "ignoring transport connected while %s", current)
		return
	}
	atomic.StoreInt32(&m.state, int32(StateConnected))
	logger.Info(m.prefix, "connected to %s", m.Target())
	m.notifyState(StateConnected)
}

// TransportFailed reports that a connection attempt did not complete
func (m *Machine) TransportFailed(err error) {
	switch current := m.State(); current {
	case StateConnecting:
		logger.Warn(m.prefix, "connection to %s failed: %v", m.Target(), err)
		m.toDisconnected()
		if m.listener != nil {
			m.listener.OnConnectionFailed(err)
		}
	case StateDisconnecting:
		m.TransportClosed()
	default:
		logger.Warn(m.prefix, "ignoring transport failure while %s: %v", current, err)
	}
}

// TransportLost reports that an established connection dropped
func (m *Machine) TransportLost(err error) {
	switch current := m.State(); current {
	case StateConnected:
		logger.Warn(m.prefix, "connection to %s lost: %v", m.Target(), err)
		m.toDisconnected()
		if m.listener != nil {
			m.listener.OnConnectionLost(err)
		}
	case StateConnecting:
		m.TransportFailed(err)
	case StateDisconnecting:
		m.TransportClosed()
	default:
		logger.Debug(m.prefix, "ignoring transport loss while %s: %v", current, err)
	}
}

// TransportClosed completes a Disconnect. An unsolicited close of a live connection counts as a loss.
func (m *Machine) TransportClosed() {
	switch current := m.State(); current {
	case StateDisconnecting:
		logger.Info(m.prefix, "disconnected from %s", m.Target())
		m.toDisconnected()
	case StateConnected, StateConnecting:
		m.TransportLost(errors.New("transport closed by peer"))
	default:
		logger.Debug(m.prefix, "ignoring transport closed while %s", current)
	}
}

func (m *Machine) toDisconnected() {
	m.runTeardown()
	atomic.StoreInt32(&m.state, int32(StateDisconnected))
	m.notifyState(StateDisconnected)
}

func (m *Machine) runTeardown() {
	for _, fn := range m.teardown {
		fn()
	}
}

func (m *Machine) notifyState(state State) {
	if m.listener != nil {
		m.listener.OnConnectionStateChanged(state)
	}
}
