package monitor

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/user/gaia-engine/engine"
	"github.com/user/gaia-engine/gaia"
)

// message is the JSON form of an engine.Event sent to websocket clients
type message struct {
	Time      time.Time        `json:"time"`
	Session   string           `json:"session,omitempty"`
	Type      engine.EventType `json:"type"`
	State     string           `json:"state,omitempty"`
	Direction string           `json:"direction,omitempty"`
	Packet    *packet          `json:"packet,omitempty"`
	Detail    string           `json:"detail,omitempty"`
}

type packet struct {
	Transport string `json:"transport"`
	Vendor    string `json:"vendor"`
	Command   string `json:"command"`
	Ack       bool   `json:"ack"`
	Status    string `json:"status,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

func newMessage(ev engine.Event) message {
	m := message{
		Time:      ev.Time,
		Session:   ev.Session,
		Type:      ev.Type,
		State:     ev.State,
		Direction: ev.Direction,
		Detail:    ev.Detail,
	}
	if ev.Packet != nil {
		m.Packet = newPacket(*ev.Packet)
	}
	return m
}

func newPacket(p gaia.Packet) *packet {
	out := &packet{
		Transport: p.Transport.String(),
		Vendor:    fmt.Sprintf("0x%04X", p.VendorID),
		Command:   fmt.Sprintf("0x%04X", p.BaseCommand()),
		Ack:       p.IsAck(),
		Payload:   hex.EncodeToString(p.Payload),
	}
	if status, ok := p.Status(); ok {
		out.Status = status.String()
	}
	return out
}
