// Package engine composes the GAIA components into the object an application talks to.
//
// All component state lives on one dispatch goroutine. Public methods validate what they can
// without touching that state, post the rest and return, so they are safe to call from any
// goroutine, listener callbacks included.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/gaia-engine/ack"
	"github.com/user/gaia-engine/config"
	"github.com/user/gaia-engine/connection"
	"github.com/user/gaia-engine/dispatch"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/gatt"
	"github.com/user/gaia-engine/logger"
	"github.com/user/gaia-engine/wire/debug"
)

// Listener is the application side of the engine. Callbacks run on the dispatch goroutine.
type Listener interface {
	// OnAckSuccess receives an acknowledgement with status Success for a request sent with SendRequest
	OnAckSuccess(ack gaia.Packet)
	// OnAckFailure receives an acknowledgement with any other status
	OnAckFailure(ack gaia.Packet)
	// OnUnsolicitedPacket receives inbound requests and notifications.
	// Return true if the application acknowledges it; false makes the engine answer NotSupported.
	OnUnsolicitedPacket(p gaia.Packet) bool
	// OnRequestTimedOut receives a request whose acknowledgement never came
	OnRequestTimedOut(request gaia.Packet)
}

// Options holds construction-time collaborators
type Options struct {
	Clock     clock.Clock // nil selects the wall clock
	Observer  Observer    // optional
	MaxQueued int         // bound on waiting GATT operations, 0 = unbounded
}

// link is the transport-specific half of the engine
type link interface {
	connection.Driver
	send(data []byte) error
	onConnected()
	clearQueue()
	resetFramer()
	fill(s *snapshot)
}

// Engine is a GAIA host engine bound to one transport
type Engine struct {
	cfg       config.Config
	transport gaia.Transport
	listener  Listener
	observer  Observer
	id        string
	prefix    string

	loop       *dispatch.Queue
	scheduler  dispatch.Scheduler
	closed     int32
	connecting int32        // a connect is posted and has not run yet
	published  atomic.Value // snapshot

	// Dispatch goroutine only
	conn      *connection.Machine
	acks      *ack.Correlator
	link      link
	connID    string
	packetLog *debug.PacketLog
	sent      int
	received  int
	malformed int
}

func newEngine(cfg config.Config, transport gaia.Transport, listener Listener, opts Options) (*Engine, error) {
	if listener == nil {
		return nil, errors.New("engine: listener is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine: invalid config")
	}

	id := uuid.New().String()[:8]
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		listener:  listener,
		observer:  opts.Observer,
		id:        id,
		prefix:    id + " Engine",
		packetLog: debug.NewPacketLog(id, false),
	}
	e.loop = dispatch.New(opts.Clock, id)
	e.scheduler = publishingScheduler{e}
	e.acks = ack.New(id, callbacks{e}, callbacks{e}, e.scheduler, cfg.AckTimeout)
	return e, nil
}

// wire finishes construction once the link exists
func (e *Engine) wire(l link) {
	e.link = l
	e.conn = connection.New(e.id, l, callbacks{e})
	e.conn.OnTeardown(e.link.clearQueue)
	e.conn.OnTeardown(e.acks.CancelAll)
	e.conn.OnTeardown(e.link.resetFramer)
	e.publish()
}

// post runs fn on the dispatch goroutine and republishes the snapshot afterwards
func (e *Engine) post(fn func()) bool {
	return e.loop.Post(func() {
		fn()
		e.publish()
	})
}

type publishingScheduler struct{ e *Engine }

func (s publishingScheduler) Now() time.Time {
	return s.e.loop.Now()
}

func (s publishingScheduler) AfterFunc(d time.Duration, fn func()) dispatch.Timer {
	return s.e.loop.AfterFunc(d, func() {
		fn()
		s.e.publish()
	})
}

func (e *Engine) isClosed() bool {
	return atomic.LoadInt32(&e.closed) != 0
}

// Transport returns the packet layout this engine uses
func (e *Engine) Transport() gaia.Transport {
	return e.transport
}

// State returns the connection state
func (e *Engine) State() connection.State {
	return e.conn.State()
}

// Connect starts connecting to target (a Bluetooth address, BlueZ device or tty path, per transport).
// The outcome arrives through StateListener.
func (e *Engine) Connect(target string) error {
	if e.isClosed() {
		return ErrClosed
	}
	if target == "" {
		return ErrNoTarget
	}
	return e.startConnect("connect", target)
}

// Reconnect connects again to the last target
func (e *Engine) Reconnect() error {
	if e.isClosed() {
		return ErrClosed
	}
	target := e.conn.Target()
	if target == "" {
		return ErrNoTarget
	}
	return e.startConnect("reconnect", target)
}

// startConnect claims the next transition out of Disconnected before posting it,
// so a second connect is refused and a disconnect is accepted while the first is queued.
func (e *Engine) startConnect(what, target string) error {
	if !atomic.CompareAndSwapInt32(&e.connecting, 0, 1) {
		return errors.Wrapf(ErrInvalidState, "%s while a connect is queued", what)
	}
	if state := e.conn.State(); state != connection.StateDisconnected {
		atomic.StoreInt32(&e.connecting, 0)
		return errors.Wrapf(ErrInvalidState, "%s while %s", what, state)
	}
	if !e.post(func() { e.connect(target) }) {
		atomic.StoreInt32(&e.connecting, 0)
		return ErrClosed
	}
	return nil
}

func (e *Engine) connect(target string) {
	defer atomic.StoreInt32(&e.connecting, 0)

	previous := e.connID
	e.connID = uuid.New().String()

	if err := e.conn.Connect(target); err != nil {
		e.connID = previous
		if errors.Is(err, connection.ErrInvalidTransition) {
			logger.Warn(e.prefix, "connect to %s ignored: %v", target, err)
			return
		}
		if sl, ok := e.listener.(StateListener); ok {
			sl.OnConnectionFailed(err)
		}
		return
	}
	// Transport events for this connection are posted behind this task
	e.packetLog = debug.NewPacketLog(e.connID[:8], e.cfg.PacketLog)
}

// Disconnect cancels every pending operation and acknowledgement, then releases the transport.
// No Listener callback for anything outstanding fires afterwards.
func (e *Engine) Disconnect() error {
	if e.isClosed() {
		return ErrClosed
	}
	queued := atomic.LoadInt32(&e.connecting) != 0
	state := e.conn.State()
	if !queued && state != connection.StateConnected && state != connection.StateConnecting {
		return errors.Wrapf(ErrInvalidState, "disconnect while %s", state)
	}
	// Runs behind any queued connect
	e.post(func() {
		if err := e.conn.Disconnect(); err != nil {
			logger.Warn(e.prefix, "disconnect ignored: %v", err)
		}
	})
	return nil
}

// SendRequest sends a request and tracks its acknowledgement.
// The result arrives as OnAckSuccess, OnAckFailure or OnRequestTimedOut.
func (e *Engine) SendRequest(p gaia.Packet) error {
	if p.IsAck() {
		return errors.Wrap(gaia.ErrAlreadyAcknowledgement, "SendRequest with an acknowledgement")
	}
	return e.send(p)
}

// SendAcknowledgement answers an inbound packet the application claimed
func (e *Engine) SendAcknowledgement(p gaia.Packet, status gaia.AckStatus, data []byte) error {
	ackPacket, err := p.Acknowledge(status, data)
	if err != nil {
		return err
	}
	return e.send(ackPacket)
}

func (e *Engine) send(p gaia.Packet) error {
	if e.isClosed() {
		return ErrClosed
	}
	if !e.conn.IsConnected() {
		return ErrNotConnected
	}
	p.Transport = e.transport
	if _, err := gaia.Encode(p); err != nil {
		return err
	}
	e.post(func() {
		if !e.conn.IsConnected() {
			logger.Warn(e.prefix, "dropping %s: connection went away", p)
			return
		}
		e.acks.Send(p)
	})
	return nil
}

// RegisterNotification asks the device to report event through EVENT_NOTIFICATION packets
func (e *Engine) RegisterNotification(event gaia.NotificationEvent) error {
	return e.SendRequest(gaia.NewRequest(e.transport, gaia.VendorQualcomm, gaia.CommandRegisterNotification, []byte{byte(event)}))
}

// CancelNotification stops reports of event
func (e *Engine) CancelNotification(event gaia.NotificationEvent) error {
	return e.SendRequest(gaia.NewRequest(e.transport, gaia.VendorQualcomm, gaia.CommandCancelNotification, []byte{byte(event)}))
}

// ReadRSSI queues a signal strength read; the value arrives through OperationListener (BLE only)
func (e *Engine) ReadRSSI() error {
	return e.SubmitOperation(gatt.NewReadRSSI())
}

// SubmitOperation queues a raw GATT operation (BLE only).
// An operation the queue refuses (unknown handle, missing property, queue full, link gone)
// completes with gatt.StatusRejected.
func (e *Engine) SubmitOperation(op *gatt.Operation) error {
	if e.isClosed() {
		return ErrClosed
	}
	ble, ok := e.link.(*bleLink)
	if !ok {
		return ErrWrongTransport
	}
	if !e.conn.IsConnected() {
		return ErrNotConnected
	}
	e.post(func() {
		if !ble.queue.Enqueue(op) {
			logger.Warn(e.prefix, "%s rejected by the operation queue", op)
			callbacks{e}.OnOperationComplete(op, gatt.StatusRejected, nil)
		}
	})
	return nil
}

// Close disconnects if needed and stops the dispatch goroutine. The engine is unusable afterwards.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	e.loop.Post(func() {
		if state := e.conn.State(); state == connection.StateConnected || state == connection.StateConnecting {
			e.conn.Disconnect()
		}
		// Nothing will process the transport's close report once the loop is gone
		if e.conn.State() == connection.StateDisconnecting {
			e.conn.TransportClosed()
		}
		e.publish()
		e.loop.Close()
	})
	return nil
}

// Done is closed once Close has finished
func (e *Engine) Done() <-chan struct{} {
	return e.loop.Done()
}

// onPacket handles a decoded inbound packet
func (e *Engine) onPacket(p gaia.Packet, raw []byte) {
	if !e.conn.IsConnected() {
		logger.Debug(e.prefix, "dropping %s received while %s", p, e.conn.State())
		return
	}
	e.received++
	e.packetLog.LogPacket("rx", p, raw)
	e.emit(Event{Type: EventPacket, Direction: "rx", Packet: &p})
	logger.Debug(e.prefix, "received %s", p)
	e.acks.OnPacketReceived(p)
}

func (e *Engine) emit(ev Event) {
	if e.observer == nil {
		return
	}
	ev.Time = time.Now()
	ev.Session = e.id
	e.observer.OnEngineEvent(ev)
}

// callbacks receives the components' upcalls, keeping them off the Engine's public method set
type callbacks struct{ e *Engine }

// SendPacket puts an encoded packet on the link
func (c callbacks) SendPacket(p gaia.Packet) error {
	e := c.e
	data, err := gaia.Encode(p)
	if err != nil {
		return err
	}
	e.packetLog.LogPacket("tx", p, data)
	e.emit(Event{Type: EventPacket, Direction: "tx", Packet: &p})
	if err := e.link.send(data); err != nil {
		return &gaia.TransportError{Op: "send", Err: err}
	}
	e.sent++
	return nil
}

func (c callbacks) OnAckSuccess(p gaia.Packet) {
	c.e.listener.OnAckSuccess(p)
}

func (c callbacks) OnAckFailure(p gaia.Packet) {
	c.e.listener.OnAckFailure(p)
}

func (c callbacks) OnUnsolicitedPacket(p gaia.Packet) bool {
	return c.e.listener.OnUnsolicitedPacket(p)
}

func (c callbacks) OnRequestTimedOut(p gaia.Packet) {
	c.e.emit(Event{Type: EventTimeout, Packet: &p})
	c.e.listener.OnRequestTimedOut(p)
}

func (c callbacks) OnConnectionStateChanged(state connection.State) {
	c.e.publish()
	logger.DebugJSON(c.e.prefix, "now "+state.String(), c.e.Snapshot())
	c.e.emit(Event{Type: EventState, State: state.String()})
	if sl, ok := c.e.listener.(StateListener); ok {
		sl.OnConnectionStateChanged(state)
	}
	if state == connection.StateConnected {
		c.e.link.onConnected()
	}
}

func (c callbacks) OnConnectionFailed(err error) {
	if sl, ok := c.e.listener.(StateListener); ok {
		sl.OnConnectionFailed(err)
	}
}

func (c callbacks) OnConnectionLost(err error) {
	if sl, ok := c.e.listener.(StateListener); ok {
		sl.OnConnectionLost(err)
	}
}

func (c callbacks) OnOperationComplete(op *gatt.Operation, status gatt.Status, value []byte) {
	c.e.emit(Event{Type: EventOperation, Detail: op.String() + " " + status.String()})
	if ol, ok := c.e.listener.(OperationListener); ok {
		ol.OnOperationComplete(op, status, value)
	}
}
