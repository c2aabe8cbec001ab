// Package bluez is a BLE transport for the engine built on BlueZ's D-Bus API.
package bluez

import (
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/user/gaia-engine/engine"
	"github.com/user/gaia-engine/logger"
)

// DefaultResolveTimeout bounds the wait for ServicesResolved after Device1.Connect
const DefaultResolveTimeout = 30 * time.Second

// ErrNotConnected is returned by attribute operations outside a connection
var ErrNotConnected = errors.New("bluez: not connected")

// Client drives one peer through BlueZ. Every D-Bus call runs off the caller's
// goroutine; outcomes are reported through engine.BLEEvents.
type Client struct {
	conn           *dbus.Conn
	adapter        string
	prefix         string
	ResolveTimeout time.Duration

	mu      sync.Mutex
	session *session
}

var _ engine.BLETransport = (*Client)(nil)

// session is the state of one Connect call
type session struct {
	events  engine.BLEEvents
	device  dbus.ObjectPath
	signals chan *dbus.Signal
	done    chan struct{}
	stop    sync.Once

	mu    sync.Mutex
	attrs attributes
}

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.stop.Do(func() { close(s.done) })
}

// New attaches to the system bus and checks that adapter (e.g. "hci0") exists
func New(adapter string) (*Client, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "bluez: connect to system bus")
	}

	var address string
	obj := conn.Object(busName, dbus.ObjectPath("/org/bluez/"+adapter))
	if err := obj.Call(ifaceProperties+".Get", 0, ifaceAdapter, "Address").Store(&address); err != nil {
		return nil, errors.Wrapf(err, "bluez: adapter %s", adapter)
	}

	prefix := "bluez " + adapter
	logger.Info(prefix, "using adapter %s (%s)", adapter, address)
	return &Client{
		conn:           conn,
		adapter:        adapter,
		prefix:         prefix,
		ResolveTimeout: DefaultResolveTimeout,
	}, nil
}

// Connect starts connecting to the device at target, a MAC address
func (c *Client) Connect(target string, events engine.BLEEvents) error {
	path, err := devicePath(c.adapter, target)
	if err != nil {
		return err
	}

	s := &session{
		events:  events,
		device:  path,
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if old := c.session; old != nil {
		old.close()
	}
	c.session = s
	c.mu.Unlock()

	go c.run(s)
	return nil
}

// Disconnect stops the current session and asks BlueZ to drop the link
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}
	s.close()

	go func() {
		err := c.conn.Object(busName, s.device).Call(ifaceDevice+".Disconnect", 0).Err
		if err != nil {
			logger.Warn(c.prefix, "Device1.Disconnect %s: %v", s.device, err)
		}
		s.events.TransportClosed()
	}()
	return nil
}

func (c *Client) matchOptions(s *session) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(ifaceProperties),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(s.device),
	}
}

func (c *Client) run(s *session) {
	if err := c.conn.AddMatchSignal(c.matchOptions(s)...); err != nil {
		c.fail(s, errors.Wrap(err, "bluez: subscribe to PropertiesChanged"))
		return
	}
	c.conn.Signal(s.signals)
	defer func() {
		c.conn.RemoveSignal(s.signals)
		if err := c.conn.RemoveMatchSignal(c.matchOptions(s)...); err != nil {
			logger.Debug(c.prefix, "RemoveMatch: %v", err)
		}
	}()

	logger.Info(c.prefix, "connecting to %s", s.device)
	dev := c.conn.Object(busName, s.device)
	if err := dev.Call(ifaceDevice+".Connect", 0).Err; err != nil && !strings.Contains(err.Error(), "lready connected") {
		c.fail(s, errors.Wrapf(err, "bluez: connect %s", s.device))
		return
	}

	if err := c.waitResolved(s, dev); err != nil {
		c.fail(s, err)
		return
	}

	objects := make(managedObjects)
	if err := c.conn.Object(busName, "/").Call(ifaceObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		c.fail(s, errors.Wrap(err, "bluez: GetManagedObjects"))
		return
	}
	attrs := collectAttributes(s.device, objects)
	s.mu.Lock()
	s.attrs = attrs
	s.mu.Unlock()

	if s.stopped() {
		return
	}
	logger.Info(c.prefix, "%s resolved with %d characteristics", s.device, len(attrs.chars))
	s.events.ServicesDiscovered(attrs.chars)
	s.events.TransportConnected()

	for {
		select {
		case <-s.done:
			return
		case sig := <-s.signals:
			if !c.handleSignal(s, sig) {
				return
			}
		}
	}
}

// waitResolved blocks until the device reports ServicesResolved
func (c *Client) waitResolved(s *session, dev dbus.BusObject) error {
	var resolved bool
	if err := dev.Call(ifaceProperties+".Get", 0, ifaceDevice, "ServicesResolved").Store(&resolved); err == nil && resolved {
		return nil
	}

	deadline := time.NewTimer(c.ResolveTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-s.done:
			return errors.New("bluez: connect abandoned")
		case <-deadline.C:
			return errors.Errorf("bluez: services of %s not resolved after %s", s.device, c.ResolveTimeout)
		case sig := <-s.signals:
			iface, changed, ok := propertiesChanged(sig)
			if !ok || sig.Path != s.device || iface != ifaceDevice {
				continue
			}
			if v, ok := changed["Connected"]; ok && v.Value() == false {
				return errors.Errorf("bluez: %s disconnected during service resolution", s.device)
			}
			if v, ok := changed["ServicesResolved"]; ok && v.Value() == true {
				return nil
			}
		}
	}
}

func propertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != ifaceProperties+".PropertiesChanged" || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	return iface, changed, ok
}

// handleSignal returns false once the link is gone
func (c *Client) handleSignal(s *session, sig *dbus.Signal) bool {
	iface, changed, ok := propertiesChanged(sig)
	if !ok {
		return true
	}

	switch iface {
	case ifaceDevice:
		if sig.Path != s.device {
			return true
		}
		if v, ok := changed["Connected"]; ok && v.Value() == false {
			if s.stopped() {
				return false
			}
			logger.Warn(c.prefix, "%s disconnected", s.device)
			c.drop(s)
			s.events.TransportLost(errors.New("bluez: device disconnected"))
			return false
		}
	case ifaceCharacteristic:
		v, ok := changed["Value"]
		if !ok {
			return true
		}
		value, _ := v.Value().([]byte)
		s.mu.Lock()
		handle, known := s.attrs.owner[sig.Path]
		s.mu.Unlock()
		if known && !s.stopped() {
			s.events.CharacteristicChanged(handle, value)
		}
	}
	return true
}

// fail ends a session that never connected
func (c *Client) fail(s *session, err error) {
	if s.stopped() {
		return
	}
	logger.Error(c.prefix, "%v", err)
	c.drop(s)
	s.events.TransportFailed(err)
}

func (c *Client) drop(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
	s.close()
}
