//go:build !linux

package rfcomm

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Dial is only implemented on Linux
func (d *Dialer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	if _, err := ParseAddress(target); err != nil {
		return nil, err
	}
	return nil, errors.New("rfcomm: raw RFCOMM sockets require Linux; use the tty transport")
}
