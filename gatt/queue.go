// Package gatt serializes attribute operations against a single BLE connection.
package gatt

import (
	"encoding/binary"
	"time"

	"github.com/user/gaia-engine/dispatch"
	"github.com/user/gaia-engine/logger"
)

// Transport issues attribute operations. Each call returns as soon as the request is handed to the stack;
// its outcome arrives later through Queue.OnOperationResult.
type Transport interface {
	ReadCharacteristic(handle uint16) error
	WriteCharacteristic(handle uint16, value []byte, withResponse bool) error
	ReadDescriptor(handle uint16) error
	WriteDescriptor(handle uint16, value []byte) error
	SetNotification(handle uint16, enable bool) error
	ReadRSSI() error
	RequestBond() error
}

// ConnectionChecker gates enqueueing on the connection state
type ConnectionChecker interface {
	IsConnected() bool
}

// Listener is told how each operation ended: on success, or once its attempts are exhausted
type Listener interface {
	OnOperationComplete(op *Operation, status Status, value []byte)
}

// Options tune the queue
type Options struct {
	OperationTimeout    time.Duration // deadline for every operation but Notify
	NotificationTimeout time.Duration // delay after which a Notify counts as done
	MaxAttempts         int
	MaxQueued           int // 0 = unbounded
}

// DefaultOptions returns the stock timeouts and retry count
func DefaultOptions() Options {
	return Options{
		OperationTimeout:    60 * time.Second,
		NotificationTimeout: time.Second,
		MaxAttempts:         2,
	}
}

// Queue keeps at most one operation in flight; the rest wait in FIFO order.
// It must only be used from the dispatch goroutine.
type Queue struct {
	transport  Transport
	conn       ConnectionChecker
	scheduler  dispatch.Scheduler
	registry   *Registry
	listener   Listener
	onDispatch func(op *Operation)
	opts       Options
	prefix     string

	pending  []*Operation
	inflight *Operation
	timer    dispatch.Timer
}

// NewQueue creates an empty queue
func NewQueue(prefix string, transport Transport, conn ConnectionChecker, scheduler dispatch.Scheduler, opts Options) *Queue {
	defaults := DefaultOptions()
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaults.OperationTimeout
	}
	if opts.NotificationTimeout <= 0 {
		opts.NotificationTimeout = defaults.NotificationTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	return &Queue{
		transport: transport,
		conn:      conn,
		scheduler: scheduler,
		registry:  NewRegistry(),
		opts:      opts,
		prefix:    prefix + " OperationQueue",
	}
}

// SetListener sets the completion listener
func (q *Queue) SetListener(l Listener) {
	q.listener = l
}

// SetDispatchHook sets a function called with every operation handed to the transport
func (q *Queue) SetDispatchHook(fn func(op *Operation)) {
	q.onDispatch = fn
}

// Registry returns the attribute table operations are validated against
func (q *Queue) Registry() *Registry {
	return q.registry
}

// Len returns the number of operations waiting behind the in-flight one
func (q *Queue) Len() int {
	return len(q.pending)
}

// InFlight returns the operation awaiting its callback, or nil
func (q *Queue) InFlight() *Operation {
	return q.inflight
}

// Enqueue adds op to the tail of the queue and starts it if nothing is in flight.
// It returns false when not connected, when the target is unknown or lacks the
// required property, or when the queue is full.
func (q *Queue) Enqueue(op *Operation) bool {
	if !q.conn.IsConnected() {
		logger.Warn(q.prefix, "rejecting %s: not connected", op.Kind)
		return false
	}
	if !q.validate(op) {
		return false
	}
	if q.opts.MaxQueued > 0 && len(q.pending) >= q.opts.MaxQueued {
		logger.Warn(q.prefix, "rejecting %s: queue full (%d)", op, len(q.pending))
		return false
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.opts.MaxAttempts
	}

	q.pending = append(q.pending, op)
	logger.Debug(q.prefix, "enqueued %s (%d waiting)", op, len(q.pending))
	q.next()
	return true
}

func (q *Queue) validate(op *Operation) bool {
	var required Properties
	switch op.Kind {
	case KindReadRSSI:
		return true
	case KindReadDescriptor, KindWriteDescriptor:
		if _, _, ok := q.registry.Descriptor(op.Handle); !ok {
			logger.Warn(q.prefix, "rejecting %s: unknown descriptor 0x%04X", op.Kind, op.Handle)
			return false
		}
		return true
	case KindRead, KindReadForPairing:
		required = PropRead
	case KindWrite:
		required = PropWrite
	case KindWriteNoResponse:
		required = PropWriteWithoutResponse
	case KindNotify:
		required = PropNotify
	}

	c, ok := q.registry.Characteristic(op.Handle)
	if !ok {
		logger.Warn(q.prefix, "rejecting %s: unknown characteristic 0x%04X", op.Kind, op.Handle)
		return false
	}
	if op.Kind == KindNotify {
		if c.Properties&(PropNotify|PropIndicate) == 0 {
			logger.Warn(q.prefix, "rejecting %s: 0x%04X has properties %s", op.Kind, op.Handle, c.Properties)
			return false
		}
		return true
	}
	if !c.Properties.Has(required) {
		logger.Warn(q.prefix, "rejecting %s: 0x%04X has properties %s", op.Kind, op.Handle, c.Properties)
		return false
	}
	return true
}

// next dispatches queued operations until one is in flight or the queue is empty
func (q *Queue) next() {
	for q.inflight == nil && len(q.pending) > 0 {
		if !q.conn.IsConnected() {
			return
		}

		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.inflight = op
		op.Attempts++

		if q.onDispatch != nil {
			q.onDispatch(op)
		}
		logger.Trace(q.prefix, "dispatching %s", op)

		if err := q.dispatch(op); err != nil {
			logger.Warn(q.prefix, "dispatch of %s failed: %v", op, err)
			q.inflight = nil
			q.retryOrDrop(op, StatusDispatchFailed)
			continue
		}

		delay := q.opts.OperationTimeout
		if op.Kind == KindNotify {
			delay = q.opts.NotificationTimeout
		}
		q.timer = q.scheduler.AfterFunc(delay, func() { q.onTimeout(op) })
	}
}

func (q *Queue) dispatch(op *Operation) error {
	switch op.Kind {
	case KindRead, KindReadForPairing:
		return q.transport.ReadCharacteristic(op.Handle)
	case KindWrite:
		return q.transport.WriteCharacteristic(op.Handle, op.Value, true)
	case KindWriteNoResponse:
		return q.transport.WriteCharacteristic(op.Handle, op.Value, false)
	case KindReadDescriptor:
		return q.transport.ReadDescriptor(op.Handle)
	case KindWriteDescriptor:
		return q.transport.WriteDescriptor(op.Handle, op.Value)
	case KindReadRSSI:
		return q.transport.ReadRSSI()
	case KindNotify:
		if err := q.transport.SetNotification(op.Handle, op.Enable); err != nil {
			return err
		}
		q.enqueueCCCDWrite(op)
		return nil
	}
	return nil
}

// enqueueCCCDWrite queues the descriptor write that tells the peer about a local subscription change
func (q *Queue) enqueueCCCDWrite(op *Operation) {
	c, ok := q.registry.Characteristic(op.Handle)
	if !ok {
		return
	}
	cccd, ok := c.CCCD()
	if !ok {
		logger.Warn(q.prefix, "0x%04X has no configuration descriptor, subscription is local only", op.Handle)
		return
	}

	value := CCCDDisabled
	if op.Enable {
		value = CCCDNotifications
		if !c.Properties.Has(PropNotify) {
			value = CCCDIndications
		}
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)

	sub := NewWriteDescriptor(cccd.Handle, buf)
	sub.MaxAttempts = q.opts.MaxAttempts
	q.pending = append(q.pending, sub)
}

// OnOperationResult delivers the transport's callback for the in-flight operation.
// A result for any other handle is logged and ignored.
func (q *Queue) OnOperationResult(handle uint16, status Status, value []byte) {
	op := q.inflight
	if op == nil {
		logger.Warn(q.prefix, "result 0x%04X %s with nothing in flight", handle, status)
		return
	}
	if op.Handle != handle {
		logger.Warn(q.prefix, "result 0x%04X %s does not match in-flight %s", handle, status, op)
		return
	}
	if op.Kind == KindNotify {
		// Completion is driven by the notification delay
		logger.Debug(q.prefix, "notification callback for 0x%04X: %s", handle, status)
		return
	}

	q.stopTimer()
	q.inflight = nil

	if status == StatusSuccess {
		logger.Debug(q.prefix, "%s succeeded", op)
		q.complete(op, status, value)
	} else {
		q.retryOrDrop(op, status)
	}
	q.next()
}

func (q *Queue) onTimeout(op *Operation) {
	if q.inflight != op {
		return
	}
	q.timer = nil
	q.inflight = nil

	if op.Kind == KindNotify {
		logger.Debug(q.prefix, "%s done", op)
		q.complete(op, StatusSuccess, nil)
	} else {
		logger.Warn(q.prefix, "%s timed out", op)
		q.retryOrDrop(op, StatusTimeout)
	}
	q.next()
}

func (q *Queue) retryOrDrop(op *Operation, status Status) {
	if op.Attempts < op.MaxAttempts {
		logger.Warn(q.prefix, "%s failed with %s, retrying", op, status)
		q.pending = append(q.pending, op)
		return
	}

	logger.Error(q.prefix, "%s failed with %s, dropping", op, status)
	q.complete(op, status, nil)

	if op.Kind == KindReadForPairing {
		logger.Info(q.prefix, "requesting bond after failed pairing read")
		if err := q.transport.RequestBond(); err != nil {
			logger.Error(q.prefix, "bond request failed: %v", err)
		}
	}
}

func (q *Queue) complete(op *Operation, status Status, value []byte) {
	if q.listener != nil {
		q.listener.OnOperationComplete(op, status, value)
	}
}

func (q *Queue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Clear stops the deadline timer and drops every queued and in-flight operation
func (q *Queue) Clear() {
	q.stopTimer()
	dropped := len(q.pending)
	if q.inflight != nil {
		dropped++
	}
	q.inflight = nil
	q.pending = nil
	if dropped > 0 {
		logger.Info(q.prefix, "cleared %d operations", dropped)
	}
}
