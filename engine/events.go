package engine

import (
	"time"

	"github.com/user/gaia-engine/connection"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/gatt"
)

// StateListener is optionally implemented by a Listener to follow the connection lifecycle
type StateListener interface {
	OnConnectionStateChanged(state connection.State)
	OnConnectionFailed(err error)
	OnConnectionLost(err error)
}

// OperationListener is optionally implemented by a Listener to receive GATT results (reads, RSSI)
type OperationListener interface {
	OnOperationComplete(op *gatt.Operation, status gatt.Status, value []byte)
}

// EventType classifies an Event
type EventType string

const (
	EventState     EventType = "state"
	EventPacket    EventType = "packet"
	EventTimeout   EventType = "timeout"
	EventOperation EventType = "operation"
)

// Event is a diagnostic record of something the engine did
type Event struct {
	Time      time.Time
	Session   string
	Type      EventType
	State     string       `json:",omitempty"`
	Direction string       `json:",omitempty"`
	Packet    *gaia.Packet `json:",omitempty"`
	Detail    string       `json:",omitempty"`
}

// Observer receives every Event on the dispatch goroutine. It must not block.
type Observer interface {
	OnEngineEvent(ev Event)
}
