// Package ack matches outgoing GAIA requests with their acknowledgements.
package ack

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/user/gaia-engine/dispatch"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/logger"
)

// DefaultTimeout is how long a request waits for its acknowledgement
const DefaultTimeout = 30 * time.Second

// recentTimeouts bounds the memory of commands whose requests timed out
const recentTimeouts = 32

// Result says whether an inbound packet was matched to something this side is tracking
type Result int

const (
	Unmatched Result = iota
	Matched
)

func (r Result) String() string {
	if r == Matched {
		return "Matched"
	}
	return "Unmatched"
}

// Sender puts a packet on the wire
type Sender interface {
	SendPacket(p gaia.Packet) error
}

// Consumer is the protocol layer on top of the correlator.
// All methods are called on the dispatch goroutine.
type Consumer interface {
	// OnAckSuccess receives a matched acknowledgement with status Success
	OnAckSuccess(ack gaia.Packet)
	// OnAckFailure receives a matched acknowledgement with any other status
	OnAckFailure(ack gaia.Packet)
	// OnUnsolicitedPacket offers an inbound request. Returning false makes the correlator answer NotSupported.
	OnUnsolicitedPacket(p gaia.Packet) bool
	// OnRequestTimedOut receives a request that got no acknowledgement in time. It is not resent.
	OnRequestTimedOut(request gaia.Packet)
}

type pending struct {
	request gaia.Packet
	sentAt  time.Time
	timer   dispatch.Timer
}

// Correlator keeps one FIFO of outstanding requests per command.
// It must only be used from the dispatch goroutine.
type Correlator struct {
	sender    Sender
	consumer  Consumer
	scheduler dispatch.Scheduler
	timeout   time.Duration
	prefix    string

	pending map[uint16][]*pending
	late    *lru.Cache
}

// New creates a correlator; timeout <= 0 selects DefaultTimeout
func New(prefix string, sender Sender, consumer Consumer, scheduler dispatch.Scheduler, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	late, _ := lru.New(recentTimeouts)
	return &Correlator{
		sender:    sender,
		consumer:  consumer,
		scheduler: scheduler,
		timeout:   timeout,
		prefix:    prefix + " AckCorrelator",
		pending:   make(map[uint16][]*pending),
		late:      late,
	}
}

// Send writes p. A request is tracked and gets a deadline even if the write fails,
// so its failure surfaces through OnRequestTimedOut like any lost request.
func (c *Correlator) Send(p gaia.Packet) error {
	err := c.sender.SendPacket(p)
	if err != nil {
		logger.Warn(c.prefix, "send failed for %s: %v", p, err)
	}
	if p.IsAck() {
		return err
	}

	command := p.BaseCommand()
	entry := &pending{request: p, sentAt: c.scheduler.Now()}
	entry.timer = c.scheduler.AfterFunc(c.timeout, func() { c.onTimeout(command, entry) })
	c.pending[command] = append(c.pending[command], entry)
	logger.Debug(c.prefix, "awaiting ack for 0x%04X (%d outstanding)", command, len(c.pending[command]))
	return err
}

// OnPacketReceived routes a decoded inbound packet
func (c *Correlator) OnPacketReceived(p gaia.Packet) Result {
	if !p.IsAck() {
		return c.onRequest(p)
	}

	command := p.BaseCommand()
	queue := c.pending[command]
	if len(queue) == 0 {
		if sentAt, ok := c.late.Get(command); ok {
			logger.Warn(c.prefix, "late ack %v after the request, dropping: %s", c.scheduler.Now().Sub(sentAt.(time.Time)), p)
		} else {
			logger.Warn(c.prefix, "unexpected ack, dropping: %s", p)
		}
		return Unmatched
	}

	entry := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		delete(c.pending, command)
	} else {
		c.pending[command] = queue[1:]
	}
	entry.timer.Stop()

	status, ok := p.Status()
	logger.Debug(c.prefix, "ack for 0x%04X after %v: %s", command, c.scheduler.Now().Sub(entry.sentAt), p)
	if ok && !status.Known() {
		logger.Warn(c.prefix, "ack for 0x%04X carries a status outside the protocol: %s", command, status)
	}
	if ok && status == gaia.StatusSuccess {
		c.consumer.OnAckSuccess(p)
	} else {
		c.consumer.OnAckFailure(p)
	}
	return Matched
}

func (c *Correlator) onRequest(p gaia.Packet) Result {
	if c.consumer.OnUnsolicitedPacket(p) {
		return Matched
	}

	logger.Info(c.prefix, "%v 0x%04X, answering NotSupported", gaia.ErrUnsupportedCommand, p.BaseCommand())
	ack, err := p.Acknowledge(gaia.StatusNotSupported, nil)
	if err != nil {
		logger.Error(c.prefix, "cannot acknowledge %s: %v", p, err)
		return Unmatched
	}
	if err := c.sender.SendPacket(ack); err != nil {
		logger.Warn(c.prefix, "sending NotSupported for 0x%04X failed: %v", p.BaseCommand(), err)
	}
	return Unmatched
}

func (c *Correlator) onTimeout(command uint16, entry *pending) {
	queue := c.pending[command]
	index := -1
	for i, e := range queue {
		if e == entry {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}

	queue = append(queue[:index], queue[index+1:]...)
	if len(queue) == 0 {
		delete(c.pending, command)
	} else {
		c.pending[command] = queue
	}
	c.late.Add(command, entry.sentAt)

	logger.Warn(c.prefix, "%v waiting for ack of %s", gaia.ErrTimeout, entry.request)
	c.consumer.OnRequestTimedOut(entry.request)
}

// CancelAll stops every deadline and forgets all outstanding requests without notifying the consumer
func (c *Correlator) CancelAll() {
	count := 0
	for command, queue := range c.pending {
		for _, entry := range queue {
			entry.timer.Stop()
			count++
		}
		delete(c.pending, command)
	}
	if count > 0 {
		logger.Info(c.prefix, "cancelled %d pending acks", count)
	}
}

// Pending returns the number of outstanding requests
func (c *Correlator) Pending() int {
	n := 0
	for _, queue := range c.pending {
		n += len(queue)
	}
	return n
}

// OldestAge returns how long the oldest outstanding request has waited, 0 if none
func (c *Correlator) OldestAge() time.Duration {
	var oldest time.Time
	for _, queue := range c.pending {
		if len(queue) > 0 && (oldest.IsZero() || queue[0].sentAt.Before(oldest)) {
			oldest = queue[0].sentAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return c.scheduler.Now().Sub(oldest)
}

// PendingByCommand returns the outstanding request count per command
func (c *Correlator) PendingByCommand() map[uint16]int {
	counts := make(map[uint16]int, len(c.pending))
	for command, queue := range c.pending {
		counts[command] = len(queue)
	}
	return counts
}
