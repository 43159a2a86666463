// Package inventory provides read-only snapshots of the controller's
// devices and rooms.
package inventory

import (
	"fmt"

	"smart-switch-home/internal/store"
)

// Well-known service identifiers.
const (
	ServiceSwitchPower           = "urn:upnp-org:serviceId:SwitchPower1"
	ServiceSecuritySensor        = "urn:micasaverde-com:serviceId:SecuritySensor1"
	ServiceSmartSwitch           = "urn:hugheaves-com:serviceId:SmartSwitch1"
	ServiceSmartSwitchController = "urn:hugheaves-com:serviceId:SmartSwitchController1"
)

// NoRoom is displayed for devices that are not assigned to a known room.
const NoRoom = "none"

// Provider returns the current inventory.
type Provider interface {
	Snapshot() (*Snapshot, error)
}

// Snapshot is an immutable view of the inventory at one point in time.
type Snapshot struct {
	devices []*store.Device
	byID    map[string]*store.Device
	rooms   map[string]*store.Room
}

// NewSnapshot builds a snapshot from devices (kept in the given order) and rooms.
func NewSnapshot(devices []*store.Device, rooms []*store.Room) *Snapshot {
	s := &Snapshot{
		devices: devices,
		byID:    make(map[string]*store.Device, len(devices)),
		rooms:   make(map[string]*store.Room, len(rooms)),
	}
	for _, d := range devices {
		s.byID[d.ID] = d
	}
	for _, r := range rooms {
		s.rooms[r.ID] = r
	}
	return s
}

// Devices returns all devices in inventory order.
func (s *Snapshot) Devices() []*store.Device {
	return s.devices
}

// Device returns the device with the given ID, or nil.
func (s *Snapshot) Device(id string) *store.Device {
	return s.byID[id]
}

// Room returns the room with the given ID, or nil.
func (s *Snapshot) Room(id string) *store.Room {
	return s.rooms[id]
}

// RoomName returns the display name of a room, or NoRoom when the device
// has no room or the room is unknown.
func (s *Snapshot) RoomName(id string) string {
	if id == "" || id == "0" {
		return NoRoom
	}
	if r := s.rooms[id]; r != nil {
		return r.Name
	}
	return NoRoom
}

// StoreProvider reads a fresh snapshot from a store on every call.
type StoreProvider struct {
	st store.Store
}

// NewStoreProvider creates a Provider backed by st.
func NewStoreProvider(st store.Store) *StoreProvider {
	return &StoreProvider{st: st}
}

// Snapshot implements Provider.
func (p *StoreProvider) Snapshot() (*Snapshot, error) {
	devices, err := p.st.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	rooms, err := p.st.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return NewSnapshot(devices, rooms), nil
}
