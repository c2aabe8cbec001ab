//go:build linux

package rfcomm

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/user/gaia-engine/logger"
)

// Dial connects to target's SPP channel. Cancelling ctx aborts a pending connect.
func (d *Dialer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	addr, err := ParseAddress(target)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, errors.Wrap(err, "rfcomm: socket")
	}

	// connect(2) blocks; closing the fd is the only way to abandon it
	connected := make(chan struct{})
	watched := make(chan struct{})
	abandoned := false
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			unix.Close(fd)
			abandoned = true
		case <-connected:
		}
	}()

	logger.Debug("rfcomm", "connecting to %s channel %d", target, d.Channel)
	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: d.Channel})
	close(connected)
	<-watched

	if abandoned {
		return nil, errors.Wrapf(ctx.Err(), "rfcomm: connect %s", target)
	}
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "rfcomm: connect %s channel %d", target, d.Channel)
	}

	// Non-blocking so the runtime poller can interrupt a pending Read on Close
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "rfcomm: set non-blocking")
	}
	logger.Info("rfcomm", "connected to %s channel %d", target, d.Channel)
	return os.NewFile(uintptr(fd), "rfcomm:"+target), nil
}
