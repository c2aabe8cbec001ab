package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/user/gaia-engine/logger"
)

func (c *Client) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

func (c *Client) lookup(handle uint16) (*session, dbus.ObjectPath, error) {
	s, err := c.current()
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	path, ok := s.attrs.paths[handle]
	s.mu.Unlock()
	if !ok {
		return nil, "", errors.Errorf("bluez: no attribute with handle 0x%04X", handle)
	}
	return s, path, nil
}

// complete reports an operation outcome unless its session has ended
func (c *Client) complete(s *session, handle uint16, err error, value []byte) {
	if s.stopped() {
		return
	}
	status := statusFromError(err)
	if err != nil {
		logger.Debug(c.prefix, "0x%04X: %v -> %s", handle, err, status)
	}
	s.events.OperationCompleted(handle, status, value)
}

func (c *Client) ReadCharacteristic(handle uint16) error {
	s, path, err := c.lookup(handle)
	if err != nil {
		return err
	}
	go func() {
		var value []byte
		err := c.conn.Object(busName, path).Call(ifaceCharacteristic+".ReadValue", 0, map[string]interface{}{}).Store(&value)
		c.complete(s, handle, err, value)
	}()
	return nil
}

func (c *Client) WriteCharacteristic(handle uint16, value []byte, withResponse bool) error {
	s, path, err := c.lookup(handle)
	if err != nil {
		return err
	}
	kind := "command"
	if withResponse {
		kind = "request"
	}
	options := map[string]interface{}{"type": kind}
	go func() {
		err := c.conn.Object(busName, path).Call(ifaceCharacteristic+".WriteValue", 0, value, options).Err
		c.complete(s, handle, err, nil)
	}()
	return nil
}

func (c *Client) ReadDescriptor(handle uint16) error {
	s, path, err := c.lookup(handle)
	if err != nil {
		return err
	}
	go func() {
		var value []byte
		err := c.conn.Object(busName, path).Call(ifaceDescriptor+".ReadValue", 0, map[string]interface{}{}).Store(&value)
		c.complete(s, handle, err, value)
	}()
	return nil
}

// WriteDescriptor writes a descriptor value. BlueZ owns the CCCD and updates it
// through StartNotify/StopNotify, so CCCD writes complete without touching the bus.
func (c *Client) WriteDescriptor(handle uint16, value []byte) error {
	s, path, err := c.lookup(handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cccd := s.attrs.cccds[handle]
	s.mu.Unlock()

	go func() {
		if cccd {
			c.complete(s, handle, nil, nil)
			return
		}
		err := c.conn.Object(busName, path).Call(ifaceDescriptor+".WriteValue", 0, value, map[string]interface{}{}).Err
		c.complete(s, handle, err, nil)
	}()
	return nil
}

func (c *Client) SetNotification(handle uint16, enable bool) error {
	_, path, err := c.lookup(handle)
	if err != nil {
		return err
	}
	method := ifaceCharacteristic + ".StopNotify"
	if enable {
		method = ifaceCharacteristic + ".StartNotify"
	}
	go func() {
		if err := c.conn.Object(busName, path).Call(method, 0).Err; err != nil {
			logger.Warn(c.prefix, "%s on 0x%04X: %v", method, handle, err)
		}
	}()
	return nil
}

// ReadRSSI reports the device's last RSSI as one signed byte
func (c *Client) ReadRSSI() error {
	s, err := c.current()
	if err != nil {
		return err
	}
	go func() {
		var rssi int16
		err := c.conn.Object(busName, s.device).Call(ifaceProperties+".Get", 0, ifaceDevice, "RSSI").Store(&rssi)
		c.complete(s, 0, err, []byte{byte(int8(rssi))})
	}()
	return nil
}

func (c *Client) RequestBond() error {
	s, err := c.current()
	if err != nil {
		return err
	}
	go func() {
		if err := c.conn.Object(busName, s.device).Call(ifaceDevice+".Pair", 0).Err; err != nil {
			logger.Warn(c.prefix, "pairing with %s: %v", s.device, err)
			return
		}
		logger.Info(c.prefix, "paired with %s", s.device)
	}()
	return nil
}
