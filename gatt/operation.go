package gatt

import (
	"encoding/hex"
	"fmt"
)

// Kind is the type of an attribute operation
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindWriteNoResponse
	KindReadDescriptor
	KindWriteDescriptor
	KindNotify
	KindReadRSSI
	KindReadForPairing
)

var kindNames = map[Kind]string{
	KindRead:            "Read",
	KindWrite:           "Write",
	KindWriteNoResponse: "WriteNoResponse",
	KindReadDescriptor:  "ReadDescriptor",
	KindWriteDescriptor: "WriteDescriptor",
	KindNotify:          "Notify",
	KindReadRSSI:        "ReadRssi",
	KindReadForPairing:  "ReadForPairing",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Operation is one queued attribute operation.
// Handle is a characteristic value handle, or a descriptor handle for the descriptor kinds; ReadRssi uses 0.
type Operation struct {
	Kind   Kind
	Handle uint16
	Value  []byte
	Enable bool // Notify only

	Attempts    int
	MaxAttempts int
}

func NewRead(handle uint16) *Operation {
	return &Operation{Kind: KindRead, Handle: handle}
}

func NewWrite(handle uint16, value []byte) *Operation {
	return &Operation{Kind: KindWrite, Handle: handle, Value: value}
}

func NewWriteNoResponse(handle uint16, value []byte) *Operation {
	return &Operation{Kind: KindWriteNoResponse, Handle: handle, Value: value}
}

func NewReadDescriptor(handle uint16) *Operation {
	return &Operation{Kind: KindReadDescriptor, Handle: handle}
}

func NewWriteDescriptor(handle uint16, value []byte) *Operation {
	return &Operation{Kind: KindWriteDescriptor, Handle: handle, Value: value}
}

// NewNotify enables or disables notifications on a characteristic
func NewNotify(handle uint16, enable bool) *Operation {
	return &Operation{Kind: KindNotify, Handle: handle, Enable: enable}
}

func NewReadRSSI() *Operation {
	return &Operation{Kind: KindReadRSSI}
}

// NewReadForPairing reads an encrypted characteristic to make the stack start bonding
func NewReadForPairing(handle uint16) *Operation {
	return &Operation{Kind: KindReadForPairing, Handle: handle}
}

func (op *Operation) String() string {
	s := fmt.Sprintf("%s 0x%04X attempt %d/%d", op.Kind, op.Handle, op.Attempts, op.MaxAttempts)
	if op.Kind == KindNotify {
		s += fmt.Sprintf(" enable=%v", op.Enable)
	}
	if len(op.Value) > 0 {
		s += " value=" + hex.EncodeToString(op.Value)
	}
	return s
}
