package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/gaia-engine/config"
	"github.com/user/gaia-engine/connection"
	"github.com/user/gaia-engine/engine"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/logger"
	"github.com/user/gaia-engine/wire/bluez"
	"github.com/user/gaia-engine/wire/rfcomm"
	"github.com/user/gaia-engine/wire/serial"
)

const eventBuffer = 32

// session adapts the engine's callbacks to channels the commands can wait on
type session struct {
	engine *engine.Engine

	acks        chan gaia.Packet
	timeouts    chan gaia.Packet
	unsolicited chan gaia.Packet
	states      chan connection.State
	failures    chan error

	// claim, if set, decides which unsolicited packets the command acknowledges itself
	claim func(p gaia.Packet) bool
}

func newSession() *session {
	return &session{
		acks:        make(chan gaia.Packet, eventBuffer),
		timeouts:    make(chan gaia.Packet, eventBuffer),
		unsolicited: make(chan gaia.Packet, eventBuffer),
		states:      make(chan connection.State, eventBuffer),
		failures:    make(chan error, eventBuffer),
	}
}

func offer(ch chan gaia.Packet, p gaia.Packet) {
	select {
	case ch <- p:
	default:
		logger.Warn("gaiactl", "dropping %s, nobody is reading", p)
	}
}

func (s *session) OnAckSuccess(ack gaia.Packet)      { offer(s.acks, ack) }
func (s *session) OnAckFailure(ack gaia.Packet)      { offer(s.acks, ack) }
func (s *session) OnRequestTimedOut(req gaia.Packet) { offer(s.timeouts, req) }
func (s *session) OnUnsolicitedPacket(p gaia.Packet) bool {
	offer(s.unsolicited, p)
	return s.claim != nil && s.claim(p)
}

func (s *session) OnConnectionStateChanged(state connection.State) {
	select {
	case s.states <- state:
	default:
	}
}

func (s *session) OnConnectionFailed(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

func (s *session) OnConnectionLost(err error) {
	s.OnConnectionFailed(errors.Wrap(err, "connection lost"))
}

// loadConfig reads the config file and applies command line overrides
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return cfg, err
	}
	if c.GlobalIsSet("log-level") {
		cfg.LogLevel = c.GlobalString("log-level")
	}
	if c.GlobalIsSet("ack-timeout") {
		cfg.AckTimeout = c.GlobalDuration("ack-timeout")
	}
	if c.GlobalBool("packet-log") {
		cfg.PacketLog = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}
	logger.SetLevel(cfg.Level())
	return cfg, nil
}

// openSession builds an engine for the selected transport
func openSession(c *cli.Context, observer engine.Observer) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	s := newSession()
	opts := engine.Options{Observer: observer}

	switch transport := c.GlobalString("transport"); transport {
	case "rfcomm":
		s.engine, err = engine.NewStream(cfg, rfcomm.NewDialer(uint8(c.GlobalInt("channel"))), s, opts)
	case "tty":
		s.engine, err = engine.NewStream(cfg, serial.NewDialer(c.GlobalInt("baud")), s, opts)
	case "ble":
		client, cerr := bluez.New(c.GlobalString("adapter"))
		if cerr != nil {
			return nil, cerr
		}
		s.engine, err = engine.NewBLE(cfg, client, s, opts)
	default:
		return nil, errors.Errorf("unknown transport %q (want rfcomm, tty or ble)", transport)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// connect blocks until target is connected, the attempt fails or timeout passes
func (s *session) connect(target string, timeout time.Duration) error {
	if err := s.engine.Connect(target); err != nil {
		return err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case state := <-s.states:
			if state == connection.StateConnected {
				return nil
			}
		case err := <-s.failures:
			return errors.Wrapf(err, "connecting to %s", target)
		case <-deadline.C:
			s.engine.Disconnect()
			return errors.Errorf("connecting to %s: no link after %s", target, timeout)
		}
	}
}

// request sends p and waits for its acknowledgement
func (s *session) request(p gaia.Packet) (gaia.Packet, error) {
	if err := s.engine.SendRequest(p); err != nil {
		return gaia.Packet{}, err
	}
	for {
		select {
		case ack := <-s.acks:
			if ack.BaseCommand() == p.BaseCommand() {
				return ack, nil
			}
		case req := <-s.timeouts:
			if req.BaseCommand() == p.BaseCommand() {
				return gaia.Packet{}, errors.Errorf("no acknowledgement for 0x%04X", p.BaseCommand())
			}
		case err := <-s.failures:
			return gaia.Packet{}, err
		}
	}
}

// close releases the link and waits for the engine to stop
func (s *session) close() {
	s.engine.Close()
	<-s.engine.Done()
}
