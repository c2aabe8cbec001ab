package gaia

import (
	"github.com/user/gaia-engine/logger"
)

// StreamFramer rebuilds BR/EDR packets from an RFCOMM byte stream.
// Bytes before a SOF are discarded; a frame that reaches MaxPacketSize without
// completing is logged and dropped, and scanning resumes at the next byte.
// A StreamFramer is not safe for concurrent use.
type StreamFramer struct {
	buffer   [MaxPacketSize]byte
	received int
	expected int
	flags    uint8
	dropped  int

	prefix string
}

// Frame is a packet framed from the stream together with the bytes it arrived as
type Frame struct {
	Packet Packet
	Raw    []byte
}

// NewStreamFramer creates a framer; prefix tags its log lines
func NewStreamFramer(prefix string) *StreamFramer {
	return &StreamFramer{prefix: prefix + " StreamFramer"}
}

// Feed consumes a chunk of the stream and returns the packets it completed
func (f *StreamFramer) Feed(data []byte) []Packet {
	frames := f.FeedFrames(data)
	if len(frames) == 0 {
		return nil
	}
	packets := make([]Packet, len(frames))
	for i, fr := range frames {
		packets[i] = fr.Packet
	}
	return packets
}

// FeedFrames is Feed, keeping each packet's raw bytes
func (f *StreamFramer) FeedFrames(data []byte) []Frame {
	var frames []Frame

	for _, b := range data {
		if f.received == 0 {
			if b != SOF {
				continue
			}
			f.buffer[0] = b
			f.received = 1
			continue
		}

		f.buffer[f.received] = b
		f.received++

		switch f.received - 1 {
		case OffsetFlags:
			f.flags = b
		case OffsetLength:
			f.expected = FrameLength(f.flags, int(b))
		}

		if f.expected > 0 && f.received == f.expected {
			if fr, ok := f.emit(); ok {
				frames = append(frames, fr)
			}
			f.Reset()
			continue
		}

		if f.received >= MaxPacketSize {
			logger.Warn(f.prefix, "frame reached %d bytes without completing (declared %d), dropping",
				f.received, f.expected)
			f.dropped++
			f.Reset()
		}
	}

	return frames
}

func (f *StreamFramer) emit() (Frame, bool) {
	raw := make([]byte, f.received)
	copy(raw, f.buffer[:f.received])

	p, err := Decode(raw, TransportBREDR)
	if err != nil {
		if IsDecodeError(err) {
			f.dropped++
		}
		logger.Warn(f.prefix, "dropping malformed frame: %v", err)
		return Frame{}, false
	}
	logger.Trace(f.prefix, "framed %d bytes: %s", f.received, p)
	return Frame{Packet: p, Raw: raw}, true
}

// Reset discards any partially received frame
func (f *StreamFramer) Reset() {
	f.received = 0
	f.expected = 0
	f.flags = 0
}

// Dropped returns how many malformed or oversize frames were discarded
func (f *StreamFramer) Dropped() int {
	return f.dropped
}

// Pending returns how many bytes of an incomplete frame are buffered
func (f *StreamFramer) Pending() int {
	return f.received
}
