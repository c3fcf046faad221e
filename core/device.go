// Package core holds the types shared by every layer of the packet bus: the
// device record each driver owns, the driver class identifiers advertised in
// control packets, and the error values returned across package boundaries.
package core

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Device flags. The high byte is local bookkeeping; the low byte is what a
// driver advertises in its control packets.
const (
	FlagLocal        uint16 = 0x8000
	FlagRemote       uint16 = 0x4000
	FlagInitialised  uint16 = 0x2000
	FlagInitialising uint16 = 0x1000
	FlagCPSeen       uint16 = 0x0800

	// stateMask covers the flags that describe a driver's lifecycle.
	stateMask = FlagInitialised | FlagInitialising | FlagCPSeen
	// advertisedMask selects the flag bits copied into control packets.
	advertisedMask uint16 = 0x00FF
)

// Driver classes advertised in control packets.
const (
	ClassControl    uint32 = 0
	ClassArcade     uint32 = 1
	ClassJoystick   uint32 = 2
	ClassMessageBus uint32 = 3
	ClassRadio      uint32 = 4
	ClassBridge     uint32 = 5
)

// ClassName returns a human-readable name for a driver class.
func ClassName(class uint32) string {
	switch class {
	case ClassControl:
		return "control"
	case ClassArcade:
		return "arcade"
	case ClassJoystick:
		return "joystick"
	case ClassMessageBus:
		return "message-bus"
	case ClassRadio:
		return "radio"
	case ClassBridge:
		return "bridge"
	default:
		return fmt.Sprintf("class-%d", class)
	}
}

// Device is the bus identity a driver represents: a local service hosted on
// this node, or a proxy for a service advertised by a remote node.
type Device struct {
	Address        uint8
	RollingCounter uint8
	Flags          uint16
	SerialNumber   uint32
}

// NewLocalDevice returns an unallocated local device with the given serial.
func NewLocalDevice(serial uint32) Device {
	return Device{Flags: FlagLocal, SerialNumber: serial}
}

// NewRemoteDevice returns an unbound remote proxy. A non-zero serial pins
// the proxy to that specific peer.
func NewRemoteDevice(serial uint32) Device {
	return Device{Flags: FlagRemote, SerialNumber: serial}
}

// IsLocal reports whether the device is hosted on this node.
func (d Device) IsLocal() bool { return d.Flags&FlagLocal != 0 }

// IsRemote reports whether the device proxies a remote peer.
func (d Device) IsRemote() bool { return d.Flags&FlagRemote != 0 }

// IsInitialised reports whether the device holds a settled address.
func (d Device) IsInitialised() bool { return d.Flags&FlagInitialised != 0 }

// IsInitialising reports whether the device is probing a tentative address.
func (d Device) IsInitialising() bool { return d.Flags&FlagInitialising != 0 }

// IsBound reports whether the device is either settled or probing.
func (d Device) IsBound() bool { return d.Flags&(FlagInitialised|FlagInitialising) != 0 }

// AdvertisedFlags returns the flag bits carried in control packets.
func (d Device) AdvertisedFlags() uint16 { return d.Flags & advertisedMask }

// Reset clears the address and lifecycle state, keeping the role bits.
func (d *Device) Reset() {
	d.Address = 0
	d.RollingCounter = 0
	d.Flags &^= stateMask
}

func (d Device) String() string {
	var state []string
	switch {
	case d.IsLocal():
		state = append(state, "local")
	case d.IsRemote():
		state = append(state, "remote")
	}
	if d.IsInitialised() {
		state = append(state, "initialised")
	}
	if d.IsInitialising() {
		state = append(state, "initialising")
	}
	if d.Flags&FlagCPSeen != 0 {
		state = append(state, "seen")
	}
	return fmt.Sprintf("addr=%d serial=%08x [%s]", d.Address, d.SerialNumber, strings.Join(state, ","))
}

// DeriveSerialNumber maps an arbitrary seed (a node name, a hardware id) to
// a stable 32-bit serial number. Zero is never returned since a zero serial
// means "any peer" for remote proxies.
func DeriveSerialNumber(seed string) uint32 {
	sum := blake2b.Sum256([]byte(seed))
	serial := binary.LittleEndian.Uint32(sum[:4])
	if serial == 0 {
		serial = binary.LittleEndian.Uint32(sum[4:8]) | 1
	}
	return serial
}
