// Package serial opens GAIA streams on a tty, such as an /dev/rfcommN node bound with rfcomm(1).
package serial

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/user/gaia-engine/logger"
)

const (
	DefaultBaudRate = 115200

	// pollInterval is how often a blocked Read wakes up to notice Close
	pollInterval = 200 * time.Millisecond
)

// Dialer opens the tty named by the dial target
type Dialer struct {
	BaudRate int
}

// NewDialer returns a dialer at baud, or DefaultBaudRate when baud is 0
func NewDialer(baud int) *Dialer {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &Dialer{BaudRate: baud}
}

// Dial opens device, e.g. /dev/rfcomm0
func (d *Dialer) Dial(ctx context.Context, device string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "serial: open %s", device)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "serial: set read timeout on %s", device)
	}
	if err := p.ResetInputBuffer(); err != nil {
		logger.Debug("serial", "reset input buffer on %s: %v", device, err)
	}
	logger.Info("serial", "opened %s at %d baud", device, d.BaudRate)
	return &port{Port: p}, nil
}

// Ports lists the serial ports present on the system
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// port turns the driver's read timeouts back into a blocking Read that ends on Close
type port struct {
	serial.Port
	closed int32
}

func (p *port) Read(b []byte) (int, error) {
	for {
		n, err := p.Port.Read(b)
		if n > 0 || err != nil {
			if atomic.LoadInt32(&p.closed) == 1 {
				return n, io.EOF
			}
			return n, err
		}
		if atomic.LoadInt32(&p.closed) == 1 {
			return 0, io.EOF
		}
	}
}

func (p *port) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	return p.Port.Close()
}
