// Package bluez implements connmgr.Adapter on top of BlueZ via D-Bus.
//
// RFCOMM sockets are obtained by registering org.bluez.Profile1 objects with
// the ProfileManager; BlueZ hands connected sockets to NewConnection as Unix
// FDs, both for incoming connections and for outgoing ConnectProfile calls.
// One profile is registered per security mode, lazily, and kept until Close.
//
// Thread-safety: all methods are safe for concurrent use. Close is idempotent.
package bluez

import (
	"errors"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"bluetooth-chat/internal/connmgr"
)

const (
	// SPPUUID is the Serial Port Profile UUID. Devices advertising it are
	// listed by Scan.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// SecureUUID and InsecureUUID are the chat service UUIDs, shared with the
	// Android BluetoothChat sample so both can talk to each other.
	SecureUUID   = "fa87c0d0-afac-11de-8a39-0800200c9a66"
	InsecureUUID = "8ce255c0-200a-11e0-ac64-0800200c9a66"

	// DefaultSecureChannel and DefaultInsecureChannel are the fixed RFCOMM
	// channels for the two server-side profiles.
	DefaultSecureChannel   uint8 = 22
	DefaultInsecureChannel uint8 = 23

	// DefaultServiceName prefixes the SDP service names ("BluetoothChatSecure").
	DefaultServiceName = "BluetoothChat"

	// DefaultDiscoverableTimeout matches the usual "make discoverable" request.
	DefaultDiscoverableTimeout = 300 * time.Second
)

var (
	// ErrNoAdapter means no BlueZ adapter object was found.
	ErrNoAdapter = errors.New("bluez: no bluetooth adapter")
	// ErrPoweredOff means the adapter exists but is not powered.
	ErrPoweredOff = errors.New("bluez: adapter powered off")
	// ErrUnsupported is returned on platforms without BlueZ.
	ErrUnsupported = errors.New("bluez: unsupported platform")
)

// Options configures an Adapter.
type Options struct {
	// AdapterPath selects the adapter (e.g. /org/bluez/hci0). Empty picks the
	// first adapter BlueZ reports.
	AdapterPath string
	// ServiceName is the SDP name prefix; the mode is appended.
	ServiceName     string
	SecureChannel   uint8
	InsecureChannel uint8

	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.ServiceName == "" {
		o.ServiceName = DefaultServiceName
	}
	if o.SecureChannel == 0 {
		o.SecureChannel = DefaultSecureChannel
	}
	if o.InsecureChannel == 0 {
		o.InsecureChannel = DefaultInsecureChannel
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Device represents the minimum information needed to display and connect.
type Device struct {
	Path    string // D-Bus object path (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	Address string
	Name    string // optional: Device1.Name
	Alias   string // optional: Device1.Alias
	Paired  bool
}

// Endpoint converts d for connmgr.Manager.Connect.
func (d Device) Endpoint() connmgr.RemoteEndpoint {
	name := d.Alias
	if name == "" {
		name = d.Name
	}
	return connmgr.RemoteEndpoint{Address: d.Address, Name: name}
}

// serviceUUID returns the profile UUID of a mode.
func serviceUUID(mode connmgr.SecurityMode) string {
	if mode == connmgr.Insecure {
		return InsecureUUID
	}
	return SecureUUID
}

// scanUUIDs are the services that make a device worth listing.
var scanUUIDs = []string{SPPUUID, SecureUUID, InsecureUUID}

// Helpers

func containsUUID(list []string, targets ...string) bool {
	for _, s := range list {
		for _, t := range targets {
			if strings.EqualFold(s, t) {
				return true
			}
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	mac = strings.ReplaceAll(mac, "_", ":")
	return mac
}

// devicePath is the inverse of macFromPath under the given adapter.
func devicePath(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(mac, ":", "_"))
}

// formatBDAddr renders a bdaddr_t, which the kernel stores least significant
// byte first.
func formatBDAddr(b [6]uint8) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, 17)
	for i := 5; i >= 0; i-- {
		out = append(out, hex[b[i]>>4], hex[b[i]&0x0f])
		if i > 0 {
			out = append(out, ':')
		}
	}
	return string(out)
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, scanUUIDs...) {
		return Device{}, false
	}
	var d Device
	d.Path = string(path)
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		d.Paired, _ = v.Value().(bool)
	}
	if d.Address == "" {
		d.Address = macFromPath(path)
	}
	return d, true
}

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)
