package gatt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Properties is the characteristic properties bitmask
type Properties uint8

const (
	PropBroadcast            Properties = 0x01
	PropRead                 Properties = 0x02
	PropWriteWithoutResponse Properties = 0x04
	PropWrite                Properties = 0x08
	PropNotify               Properties = 0x10
	PropIndicate             Properties = 0x20
)

var propertyNames = []struct {
	prop Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether every bit of p is set
func (p Properties) Has(mask Properties) bool {
	return p&mask == mask
}

func (p Properties) String() string {
	var names []string
	for _, n := range propertyNames {
		if p&n.prop != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlags converts BlueZ characteristic flag strings to Properties
func ParseFlags(flags []string) Properties {
	var p Properties
	for _, f := range flags {
		for _, n := range propertyNames {
			if f == n.name {
				p |= n.prop
			}
		}
	}
	return p
}

// CCCD values, written little-endian
const (
	CCCDDisabled      uint16 = 0x0000
	CCCDNotifications uint16 = 0x0001
	CCCDIndications   uint16 = 0x0002
)

// CCCDUUID identifies the Client Characteristic Configuration Descriptor (0x2902)
var CCCDUUID = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")

// Descriptor is a discovered characteristic descriptor
type Descriptor struct {
	Handle uint16
	UUID   uuid.UUID
}

// Characteristic is a discovered characteristic and its descriptors
type Characteristic struct {
	Handle      uint16
	UUID        uuid.UUID
	Properties  Properties
	Descriptors []Descriptor
}

func (c Characteristic) String() string {
	return fmt.Sprintf("0x%04X %s [%s]", c.Handle, c.UUID, c.Properties)
}

// CCCD returns the characteristic's configuration descriptor
func (c Characteristic) CCCD() (Descriptor, bool) {
	for _, d := range c.Descriptors {
		if d.UUID == CCCDUUID {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Registry indexes the discovered attribute table of one connection by handle
type Registry struct {
	characteristics map[uint16]*Characteristic
	descriptors     map[uint16]uint16 // descriptor handle -> characteristic handle
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		characteristics: make(map[uint16]*Characteristic),
		descriptors:     make(map[uint16]uint16),
	}
}

// Register adds or replaces characteristics
func (r *Registry) Register(chars ...Characteristic) {
	for i := range chars {
		c := chars[i]
		r.characteristics[c.Handle] = &c
		for _, d := range c.Descriptors {
			r.descriptors[d.Handle] = c.Handle
		}
	}
}

// Characteristic looks up a characteristic by value handle
func (r *Registry) Characteristic(handle uint16) (*Characteristic, bool) {
	c, ok := r.characteristics[handle]
	return c, ok
}

// Descriptor looks up a descriptor by handle, returning its owning characteristic
func (r *Registry) Descriptor(handle uint16) (Descriptor, *Characteristic, bool) {
	owner, ok := r.descriptors[handle]
	if !ok {
		return Descriptor{}, nil, false
	}
	c := r.characteristics[owner]
	for _, d := range c.Descriptors {
		if d.Handle == handle {
			return d, c, true
		}
	}
	return Descriptor{}, nil, false
}

// FindByUUID returns the first characteristic with the given UUID
func (r *Registry) FindByUUID(u uuid.UUID) (*Characteristic, bool) {
	var found *Characteristic
	for _, c := range r.characteristics {
		if c.UUID == u && (found == nil || c.Handle < found.Handle) {
			found = c
		}
	}
	return found, found != nil
}

// Len returns the number of registered characteristics
func (r *Registry) Len() int {
	return len(r.characteristics)
}

// Clear forgets the attribute table
func (r *Registry) Clear() {
	r.characteristics = make(map[uint16]*Characteristic)
	r.descriptors = make(map[uint16]uint16)
}
