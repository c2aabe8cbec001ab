package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blang/semver"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/gaia-engine/engine"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/logger"
	"github.com/user/gaia-engine/monitor"
	"github.com/user/gaia-engine/wire/serial"
)

// minimumAPI is the oldest API version the engine's commands were written against
var minimumAPI = semver.MustParse("1.0.0")

func target(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", errors.New("missing <target>: a Bluetooth address, or a tty path with --transport tty")
	}
	return c.Args().Get(0), nil
}

func versionAction(c *cli.Context) error {
	addr, err := target(c)
	if err != nil {
		return err
	}
	s, err := openSession(c, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.connect(addr, c.GlobalDuration("connect-timeout")); err != nil {
		return err
	}
	ack, err := s.request(gaia.NewRequest(s.engine.Transport(), gaia.VendorQualcomm, gaia.CommandGetAPIVersion, nil))
	if err != nil {
		return err
	}
	protocol, version, err := gaia.ParseAPIVersion(ack)
	if err != nil {
		return err
	}

	fmt.Printf("%s  protocol %d, API %s\n", color.CyanString(addr), protocol, color.GreenString(version.String()))
	if version.LT(minimumAPI) {
		color.Yellow("warning: API %s is older than %s, some commands may be rejected", version, minimumAPI)
	}
	return nil
}

func sendAction(c *cli.Context) error {
	addr, err := target(c)
	if err != nil {
		return err
	}
	if c.NArg() < 2 {
		return errors.New("missing <command>")
	}
	command, err := parseUint16(c.Args().Get(1))
	if err != nil {
		return errors.Wrap(err, "command")
	}
	vendor, err := parseUint16(c.String("vendor"))
	if err != nil {
		return errors.Wrap(err, "vendor")
	}
	payload, err := parsePayload(c.Args().Get(2))
	if err != nil {
		return errors.Wrap(err, "payload")
	}

	s, err := openSession(c, nil)
	if err != nil {
		return err
	}
	defer s.close()

	request := gaia.NewRequest(s.engine.Transport(), vendor, command, payload)
	if c.Bool("checksum") {
		if request.Transport != gaia.TransportBREDR {
			return errors.New("--checksum only applies to rfcomm and tty")
		}
		request.Flags = gaia.FlagChecksum
	}

	if err := s.connect(addr, c.GlobalDuration("connect-timeout")); err != nil {
		return err
	}
	ack, err := s.request(request)
	if err != nil {
		return err
	}
	printAck(ack)
	return nil
}

func printAck(ack gaia.Packet) {
	status, _ := ack.Status()
	name := color.RedString("%s", status)
	if status == gaia.StatusSuccess {
		name = color.GreenString("%s", status)
	}
	fmt.Printf("0x%04X %s", ack.BaseCommand(), name)
	if data := ack.AckData(); len(data) > 0 {
		fmt.Printf("  %s", hex.EncodeToString(data))
	}
	fmt.Println()
}

func monitorAction(c *cli.Context) error {
	addr, err := target(c)
	if err != nil {
		return err
	}
	events, err := parseEvents(c.StringSlice("event"))
	if err != nil {
		return err
	}

	var s *session
	hub := monitor.NewHub(func() *structpb.Struct { return s.engine.Snapshot() })
	defer hub.Close()

	s, err = openSession(c, observers{hub, printer{}})
	if err != nil {
		return err
	}
	defer s.close()
	s.claim = func(p gaia.Packet) bool {
		if p.BaseCommand() != gaia.CommandEventNotification {
			return false
		}
		if err := s.engine.SendAcknowledgement(p, gaia.StatusSuccess, nil); err != nil {
			logger.Warn("gaiactl", "acknowledging %s: %v", p, err)
		}
		return true
	}

	if listen := c.String("listen"); listen != "" {
		server := &http.Server{Addr: listen, Handler: hub.Handler()}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("gaiactl", "monitor server: %v", err)
			}
		}()
		defer server.Close()
		color.Cyan("events on ws://%s/events, snapshot on http://%s/snapshot", listen, listen)
	}

	if err := s.connect(addr, c.GlobalDuration("connect-timeout")); err != nil {
		return err
	}
	for _, ev := range events {
		if err := s.engine.RegisterNotification(ev); err != nil {
			return errors.Wrapf(err, "registering event 0x%02X", uint8(ev))
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case <-sigs:
			fmt.Println()
			return nil
		case err := <-s.failures:
			return err
		case <-s.acks:
		case <-s.timeouts:
		case <-s.unsolicited:
		case <-s.states:
		}
	}
}

func portsAction(c *cli.Context) error {
	ports, err := serial.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		color.Yellow("no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

// observers fans one event out to several observers
type observers []engine.Observer

func (o observers) OnEngineEvent(ev engine.Event) {
	for _, obs := range o {
		obs.OnEngineEvent(ev)
	}
}

// printer writes each event to stdout
type printer struct{}

func (printer) OnEngineEvent(ev engine.Event) {
	stamp := ev.Time.Format("15:04:05.000")
	switch ev.Type {
	case engine.EventState:
		fmt.Printf("%s %s\n", stamp, color.CyanString("state %s", ev.State))
	case engine.EventPacket:
		line := fmt.Sprintf("%s %s", ev.Direction, ev.Packet)
		if ev.Direction == "rx" {
			line = color.GreenString("%s", line)
		}
		fmt.Printf("%s %s\n", stamp, line)
	case engine.EventTimeout:
		fmt.Printf("%s %s\n", stamp, color.YellowString("timeout %s", ev.Packet))
	default:
		fmt.Printf("%s %s %s\n", stamp, ev.Type, ev.Detail)
	}
}
