package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device state: one string value per (device, service, variable).
	// GetDeviceState returns def when the variable was never set.
	GetDeviceState(deviceID, service, variable, def string) (string, error)
	SetDeviceState(deviceID, service, variable, value string) error

	// Inventory. ListDevices returns devices in insertion order.
	SaveDevice(dev *Device) error
	GetDevice(id string) (*Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*Device, error)

	SaveRoom(room *Room) error
	GetRoom(id string) (*Room, error)
	ListRooms() ([]*Room, error)

	// Close the store
	Close() error
}

// Open creates a store for the given driver ("bolt", "sqlite" or
// "postgres"). For postgres, path is the connection string.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "bolt", "":
		return NewBoltStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "postgres":
		return NewPostgresStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver: %q (supported: bolt, sqlite, postgres)", driver)
	}
}

func stateKey(deviceID, service, variable string) []byte {
	return []byte(deviceID + "\x00" + service + "\x00" + variable)
}
