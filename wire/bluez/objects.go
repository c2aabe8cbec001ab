package bluez

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/gaia-engine/gatt"
)

const (
	busName = "org.bluez"

	ifaceAdapter        = "org.bluez.Adapter1"
	ifaceDevice         = "org.bluez.Device1"
	ifaceService        = "org.bluez.GattService1"
	ifaceCharacteristic = "org.bluez.GattCharacteristic1"
	ifaceDescriptor     = "org.bluez.GattDescriptor1"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// devicePath maps a MAC address onto BlueZ's object path for it on adapter
func devicePath(adapter, address string) (dbus.ObjectPath, error) {
	parts := strings.Split(strings.ToUpper(address), ":")
	if len(parts) != 6 {
		return "", errors.Errorf("bluez: %q is not a Bluetooth address", address)
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 16, 8); err != nil || len(p) != 2 {
			return "", errors.Errorf("bluez: %q is not a Bluetooth address", address)
		}
	}
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.Join(parts, "_"))), nil
}

// handleFromPath reads the attribute handle BlueZ encodes in the last path
// element, e.g. .../service000a/char000b -> 0x000b
func handleFromPath(path dbus.ObjectPath) (uint16, bool) {
	s := string(path)
	last := s[strings.LastIndex(s, "/")+1:]
	for _, prefix := range []string{"char", "desc", "service"} {
		if strings.HasPrefix(last, prefix) {
			n, err := strconv.ParseUint(last[len(prefix):], 16, 16)
			if err != nil {
				return 0, false
			}
			return uint16(n), true
		}
	}
	return 0, false
}

// attributes is the handle <-> object path view of one device's GATT database
type attributes struct {
	chars []gatt.Characteristic
	paths map[uint16]dbus.ObjectPath
	owner map[dbus.ObjectPath]uint16
	cccds map[uint16]bool
}

func stringProp(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// collectAttributes walks the managed object tree below device
func collectAttributes(device dbus.ObjectPath, objects managedObjects) attributes {
	a := attributes{
		paths: make(map[uint16]dbus.ObjectPath),
		owner: make(map[dbus.ObjectPath]uint16),
		cccds: make(map[uint16]bool),
	}
	byPath := make(map[dbus.ObjectPath]int)
	prefix := string(device) + "/"

	var charPaths []dbus.ObjectPath
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if _, ok := ifaces[ifaceCharacteristic]; ok {
			charPaths = append(charPaths, path)
		}
	}
	sort.Slice(charPaths, func(i, j int) bool { return charPaths[i] < charPaths[j] })

	for _, path := range charPaths {
		props := objects[path][ifaceCharacteristic]
		handle, ok := handleFromPath(path)
		id, err := uuid.Parse(stringProp(props, "UUID"))
		if !ok || err != nil {
			continue
		}
		var flags []string
		if v, ok := props["Flags"]; ok {
			flags, _ = v.Value().([]string)
		}
		byPath[path] = len(a.chars)
		a.chars = append(a.chars, gatt.Characteristic{Handle: handle, UUID: id, Properties: gatt.ParseFlags(flags)})
		a.paths[handle] = path
		a.owner[path] = handle
	}

	var descPaths []dbus.ObjectPath
	for path, ifaces := range objects {
		if _, ok := ifaces[ifaceDescriptor]; ok && strings.HasPrefix(string(path), prefix) {
			descPaths = append(descPaths, path)
		}
	}
	sort.Slice(descPaths, func(i, j int) bool { return descPaths[i] < descPaths[j] })

	for _, path := range descPaths {
		props := objects[path][ifaceDescriptor]
		parent, _ := props["Characteristic"].Value().(dbus.ObjectPath)
		idx, ok := byPath[parent]
		handle, hok := handleFromPath(path)
		id, err := uuid.Parse(stringProp(props, "UUID"))
		if !ok || !hok || err != nil {
			continue
		}
		a.chars[idx].Descriptors = append(a.chars[idx].Descriptors, gatt.Descriptor{Handle: handle, UUID: id})
		a.paths[handle] = path
		a.cccds[handle] = id == gatt.CCCDUUID
	}
	return a
}

var attErrorPattern = regexp.MustCompile(`(?i)ATT error: 0x([0-9a-f]{1,4})`)

// statusFromError maps a BlueZ D-Bus error onto a GATT status
func statusFromError(err error) gatt.Status {
	if err == nil {
		return gatt.StatusSuccess
	}
	if m := attErrorPattern.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.ParseUint(m[1], 16, 16)
		return gatt.Status(n)
	}

	var name string
	switch e := err.(type) {
	case dbus.Error:
		name = e.Name
	case *dbus.Error:
		name = e.Name
	}
	switch name {
	case "org.bluez.Error.NotPermitted":
		if strings.Contains(strings.ToLower(err.Error()), "write") {
			return gatt.StatusWriteNotPermitted
		}
		return gatt.StatusReadNotPermitted
	case "org.bluez.Error.NotAuthorized":
		return gatt.StatusInsufficientAuthentication
	case "org.bluez.Error.NotSupported":
		return gatt.StatusRequestNotSupported
	case "org.bluez.Error.InvalidOffset":
		return gatt.StatusInvalidOffset
	case "org.bluez.Error.InvalidValueLength":
		return gatt.StatusInvalidAttributeValueLength
	case "org.bluez.Error.InProgress":
		return gatt.StatusConnectionCongested
	}
	return gatt.StatusFailure
}
