package engine

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/logger"
)

// snapshot is the diagnostic view published by the dispatch goroutine after every task
type snapshot struct {
	Engine      string
	Connection  string
	State       string
	Target      string
	Transport   string
	Closed      bool
	Sent        int
	Received    int
	Malformed   int
	PendingAcks map[uint16]int
	OldestAck   time.Duration

	// BLE link
	Characteristics int
	Queued          int
	InFlight        string

	// Stream link
	FramerPending int
}

// publish must run on the dispatch goroutine
func (e *Engine) publish() {
	s := snapshot{
		Engine:      e.id,
		Connection:  e.connID,
		State:       e.conn.State().String(),
		Target:      e.conn.Target(),
		Transport:   e.transport.String(),
		Closed:      e.isClosed(),
		Sent:        e.sent,
		Received:    e.received,
		Malformed:   e.malformed,
		PendingAcks: e.acks.PendingByCommand(),
		OldestAck:   e.acks.OldestAge(),
	}
	e.link.fill(&s)
	e.published.Store(s)
}

// Snapshot returns a point-in-time diagnostic view of the engine; safe from any goroutine
func (e *Engine) Snapshot() *structpb.Struct {
	s, _ := e.published.Load().(snapshot)

	acks := make(map[string]interface{}, len(s.PendingAcks))
	for command, n := range s.PendingAcks {
		acks[fmt.Sprintf("0x%04X", command)] = n
	}
	fields := map[string]interface{}{
		"engine":        s.Engine,
		"connection":    s.Connection,
		"state":         s.State,
		"target":        s.Target,
		"transport":     s.Transport,
		"closed":        s.Closed,
		"sent":          s.Sent,
		"received":      s.Received,
		"malformed":     s.Malformed,
		"pending_acks":  acks,
		"oldest_ack_ms": s.OldestAck.Milliseconds(),
	}
	if e.transport == gaia.TransportBLE {
		fields["characteristics"] = s.Characteristics
		fields["queued"] = s.Queued
		fields["in_flight"] = s.InFlight
	} else {
		fields["framer_pending"] = s.FramerPending
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		logger.Error(e.prefix, "snapshot: %v", err)
		return &structpb.Struct{}
	}
	return st
}
