package engine

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/user/gaia-engine/config"
	"github.com/user/gaia-engine/connection"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/logger"
)

// StreamDialer opens the BR/EDR byte stream to a target.
// Dial may block; it must return promptly once ctx is cancelled.
// The returned stream must allow Write and Close concurrently with a blocked Read,
// and Close must unblock that Read.
type StreamDialer interface {
	Dial(ctx context.Context, target string) (io.ReadWriteCloser, error)
}

// readBufferSize is the largest chunk handed from the reader to the dispatch goroutine
const readBufferSize = 1024

// NewStream creates an engine speaking GAIA over an RFCOMM byte stream
func NewStream(cfg config.Config, dialer StreamDialer, listener Listener, opts Options) (*Engine, error) {
	if dialer == nil {
		return nil, errors.New("engine: stream dialer is required")
	}
	e, err := newEngine(cfg, gaia.TransportBREDR, listener, opts)
	if err != nil {
		return nil, err
	}
	e.wire(&streamLink{
		e:      e,
		dialer: dialer,
		framer: gaia.NewStreamFramer(e.id),
	})
	return e, nil
}

type streamLink struct {
	e      *Engine
	dialer StreamDialer
	framer *gaia.StreamFramer

	// Dispatch goroutine only
	stream io.ReadWriteCloser
	cancel context.CancelFunc
}

func (l *streamLink) Open(target string) error {
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	connID := l.e.connID

	go func() {
		stream, err := l.dialer.Dial(ctx, target)
		if !l.e.post(func() { l.onDialed(connID, stream, err) }) && stream != nil {
			stream.Close()
		}
	}()
	return nil
}

func (l *streamLink) onDialed(connID string, stream io.ReadWriteCloser, err error) {
	if connID != l.e.connID || l.e.conn.State() != connection.StateConnecting {
		if stream != nil {
			logger.Debug(l.e.prefix, "closing stream from an abandoned dial")
			stream.Close()
		}
		return
	}
	if err != nil {
		l.e.conn.TransportFailed(err)
		return
	}

	l.stream = stream
	go l.readLoop(connID, stream)
	l.e.conn.TransportConnected()
}

// readLoop owns the only blocking call on the stream and hands each chunk to the dispatch goroutine
func (l *streamLink) readLoop(connID string, stream io.ReadWriteCloser) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !l.e.post(func() { l.onChunk(connID, chunk) }) {
				return
			}
		}
		if err != nil {
			l.e.post(func() { l.onReadError(connID, stream, err) })
			return
		}
	}
}

func (l *streamLink) onChunk(connID string, chunk []byte) {
	if connID != l.e.connID || l.stream == nil {
		logger.Trace(l.e.prefix, "dropping %d bytes from a closed stream", len(chunk))
		return
	}
	logger.Trace(l.e.prefix, "read %d bytes", len(chunk))
	for _, fr := range l.framer.FeedFrames(chunk) {
		l.e.onPacket(fr.Packet, fr.Raw)
	}
}

func (l *streamLink) onReadError(connID string, stream io.ReadWriteCloser, err error) {
	if connID != l.e.connID || l.stream != stream {
		// We closed it ourselves
		return
	}
	l.stream.Close()
	l.stream = nil
	if err == io.EOF {
		err = errors.New("stream closed by peer")
	}
	l.e.conn.TransportLost(err)
}

// Close runs after teardown: it abandons any dial in progress, closes the stream
// (unblocking the reader) and reports the link closed.
func (l *streamLink) Close() error {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.stream != nil {
		if err := l.stream.Close(); err != nil {
			logger.Warn(l.e.prefix, "closing stream: %v", err)
		}
		l.stream = nil
	}

	connID := l.e.connID
	l.e.post(func() {
		if connID == l.e.connID {
			l.e.conn.TransportClosed()
		}
	})
	return nil
}

func (l *streamLink) send(data []byte) error {
	if l.stream == nil {
		return ErrNotConnected
	}
	_, err := l.stream.Write(data)
	return err
}

func (l *streamLink) onConnected() {}

func (l *streamLink) clearQueue() {}

func (l *streamLink) resetFramer() {
	l.framer.Reset()
}

func (l *streamLink) fill(s *snapshot) {
	s.FramerPending = l.framer.Pending()
	s.Malformed += l.framer.Dropped()
}
