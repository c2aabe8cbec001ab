package engine

import (
	"github.com/pkg/errors"

	"github.com/user/gaia-engine/config"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/gatt"
	"github.com/user/gaia-engine/logger"
)

// BLEEvents is how a BLE transport reports back. Methods may be called from any goroutine.
// ServicesDiscovered must be reported before TransportConnected.
type BLEEvents interface {
	TransportConnected()
	TransportFailed(err error)
	TransportLost(err error)
	TransportClosed()
	ServicesDiscovered(chars []gatt.Characteristic)
	OperationCompleted(handle uint16, status gatt.Status, value []byte)
	CharacteristicChanged(handle uint16, value []byte)
}

// BLETransport is a GATT client for one peer at a time
type BLETransport interface {
	gatt.Transport

	// Connect starts connecting to target and returns immediately; progress is reported to events
	Connect(target string, events BLEEvents) error
	// Disconnect starts releasing the link; completion is reported as TransportClosed
	Disconnect() error
}

// NewBLE creates an engine speaking GAIA over the GATT command and response endpoints
func NewBLE(cfg config.Config, transport BLETransport, listener Listener, opts Options) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("engine: BLE transport is required")
	}
	e, err := newEngine(cfg, gaia.TransportBLE, listener, opts)
	if err != nil {
		return nil, err
	}

	l := &bleLink{e: e, transport: transport}
	l.queue = gatt.NewQueue(e.id, transport, connectedFunc(e.isConnected), e.scheduler, gatt.Options{
		OperationTimeout:    cfg.OperationTimeout,
		NotificationTimeout: cfg.NotificationTimeout,
		MaxAttempts:         cfg.MaxAttempts,
		MaxQueued:           opts.MaxQueued,
	})
	l.queue.SetListener(callbacks{e})
	l.queue.SetDispatchHook(func(op *gatt.Operation) { e.packetLog.LogOperation(op) })
	e.wire(l)
	return e, nil
}

type connectedFunc func() bool

func (f connectedFunc) IsConnected() bool { return f() }

func (e *Engine) isConnected() bool {
	return e.conn.IsConnected()
}

type bleLink struct {
	e         *Engine
	transport BLETransport
	queue     *gatt.Queue

	// Value handles of the GAIA endpoints, 0 until connected
	command  uint16
	response uint16
}

func (l *bleLink) Open(target string) error {
	l.queue.Registry().Clear()
	l.command, l.response = 0, 0
	return l.transport.Connect(target, &bleEvents{e: l.e, link: l, connID: l.e.connID})
}

func (l *bleLink) Close() error {
	return l.transport.Disconnect()
}

// onConnected locates the GAIA endpoints and subscribes to the response endpoint
func (l *bleLink) onConnected() {
	registry := l.queue.Registry()
	command, ok := registry.FindByUUID(gaia.CommandEndpointUUID)
	if !ok {
		l.missingService("command endpoint")
		return
	}
	response, ok := registry.FindByUUID(gaia.ResponseEndpointUUID)
	if !ok {
		l.missingService("response endpoint")
		return
	}
	l.command = command.Handle
	l.response = response.Handle

	logger.Info(l.e.prefix, "GAIA endpoints: command 0x%04X, response 0x%04X", l.command, l.response)
	if !l.queue.Enqueue(gatt.NewNotify(l.response, true)) {
		logger.Error(l.e.prefix, "cannot subscribe to the response endpoint")
	}
}

func (l *bleLink) missingService(what string) {
	logger.Error(l.e.prefix, "peer has no GAIA %s (%d characteristics discovered), disconnecting",
		what, l.queue.Registry().Len())
	l.e.post(func() {
		if l.e.conn.IsConnected() {
			l.e.conn.Disconnect()
		}
	})
}

func (l *bleLink) send(data []byte) error {
	if l.command == 0 {
		return ErrNotConnected
	}
	op := gatt.NewWrite(l.command, data)
	if c, ok := l.queue.Registry().Characteristic(l.command); ok && !c.Properties.Has(gatt.PropWrite) {
		op = gatt.NewWriteNoResponse(l.command, data)
	}
	if !l.queue.Enqueue(op) {
		return errors.Errorf("operation queue rejected write to 0x%04X", l.command)
	}
	return nil
}

func (l *bleLink) clearQueue() {
	l.queue.Clear()
}

func (l *bleLink) resetFramer() {}

func (l *bleLink) fill(s *snapshot) {
	s.Characteristics = l.queue.Registry().Len()
	s.Queued = l.queue.Len()
	if op := l.queue.InFlight(); op != nil {
		s.InFlight = op.String()
	}
}

// bleEvents posts a transport's callbacks onto the dispatch goroutine.
// Events from an earlier connection are dropped.
type bleEvents struct {
	e      *Engine
	link   *bleLink
	connID string
}

func (b *bleEvents) deliver(fn func()) {
	b.e.post(func() {
		if b.connID != b.e.connID {
			logger.Debug(b.e.prefix, "dropping event from stale connection %s", b.connID[:8])
			return
		}
		fn()
	})
}

func (b *bleEvents) TransportConnected() {
	b.deliver(b.e.conn.TransportConnected)
}

func (b *bleEvents) TransportFailed(err error) {
	b.deliver(func() { b.e.conn.TransportFailed(err) })
}

func (b *bleEvents) TransportLost(err error) {
	b.deliver(func() { b.e.conn.TransportLost(err) })
}

func (b *bleEvents) TransportClosed() {
	b.deliver(b.e.conn.TransportClosed)
}

func (b *bleEvents) ServicesDiscovered(chars []gatt.Characteristic) {
	b.deliver(func() {
		logger.Debug(b.e.prefix, "discovered %d characteristics", len(chars))
		logger.TraceJSON(b.e.prefix, "characteristics", chars)
		b.link.queue.Registry().Register(chars...)
	})
}

func (b *bleEvents) OperationCompleted(handle uint16, status gatt.Status, value []byte) {
	b.deliver(func() {
		b.e.packetLog.LogOperationResult(handle, status, value)
		b.link.queue.OnOperationResult(handle, status, value)
	})
}

func (b *bleEvents) CharacteristicChanged(handle uint16, value []byte) {
	b.deliver(func() {
		if handle != b.link.response || handle == 0 {
			logger.Trace(b.e.prefix, "ignoring value change on 0x%04X", handle)
			return
		}
		p, err := gaia.Decode(value, gaia.TransportBLE)
		if err != nil {
			if gaia.IsDecodeError(err) {
				b.e.malformed++
			}
			logger.Warn(b.e.prefix, "dropping malformed packet on 0x%04X: %v", handle, err)
			return
		}
		b.e.onPacket(p, value)
	})
}
