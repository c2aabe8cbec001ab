package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()

	app.Name = "gaiactl"
	app.Usage = "Talk GAIA to a Qualcomm audio device over RFCOMM, a tty or BLE"
	app.Version = "0.3.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "config file (default $GAIA_ENGINE_DIR/config.json)"},
		cli.StringFlag{Name: "log-level, l", Usage: "TRACE, DEBUG, INFO, WARN or ERROR"},
		cli.StringFlag{Name: "transport, t", Value: "rfcomm", Usage: "rfcomm, tty or ble"},
		cli.IntFlag{Name: "channel", Value: 0, Usage: "RFCOMM channel (rfcomm transport)"},
		cli.IntFlag{Name: "baud", Value: 0, Usage: "baud rate (tty transport)"},
		cli.StringFlag{Name: "adapter", Value: "hci0", Usage: "BlueZ adapter (ble transport)"},
		cli.DurationFlag{Name: "ack-timeout", Usage: "how long to wait for each acknowledgement"},
		cli.DurationFlag{Name: "connect-timeout", Value: 20 * time.Second, Usage: "how long to wait for the link"},
		cli.BoolFlag{Name: "packet-log", Usage: "write every packet to the session's debug directory"},
	}

	app.Commands = []cli.Command{
		{
			Name:      "version",
			Aliases:   []string{"v"},
			Usage:     "Query the device's GAIA protocol and API version",
			ArgsUsage: "<target>",
			Action:    versionAction,
		},
		{
			Name:      "send",
			Aliases:   []string{"s"},
			Usage:     "Send one command and print its acknowledgement",
			ArgsUsage: "<target> <command> [payload hex]",
			Action:    sendAction,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "vendor", Value: "0x000A", Usage: "vendor id"},
				cli.BoolFlag{Name: "checksum", Usage: "append a checksum (rfcomm and tty only)"},
			},
		},
		{
			Name:      "monitor",
			Aliases:   []string{"m"},
			Usage:     "Register for notifications and stream engine events",
			ArgsUsage: "<target>",
			Action:    monitorAction,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen", Value: "127.0.0.1:8547", Usage: "address for the /events websocket and /snapshot, empty to disable"},
				cli.StringSliceFlag{Name: "event, e", Usage: "notification event id to register, e.g. 0x08 (repeatable)"},
			},
		},
		{
			Name:   "ports",
			Usage:  "List serial ports usable with --transport tty",
			Action: portsAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
