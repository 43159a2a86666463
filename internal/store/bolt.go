package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketRooms   = []byte("rooms")
	bucketState   = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketRooms, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetDeviceState(deviceID, service, variable, def string) (string, error) {
	value := def
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		if data := b.Get(stateKey(deviceID, service, variable)); data != nil {
			value = string(data)
		}
		return nil
	})
	if err != nil {
		return def, err
	}
	return value, nil
}

func (s *BoltStore) SetDeviceState(deviceID, service, variable, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		return b.Put(stateKey(deviceID, service, variable), []byte(value))
	})
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		st := deviceStorage{Device: *dev}
		// Keep the original position when an existing device is updated.
		if data := b.Get([]byte(dev.ID)); data != nil {
			var prev deviceStorage
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			st.Seq = prev.Seq
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			st.Seq = seq
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.ID), data)
	})
}

func (s *BoltStore) GetDevice(id string) (*Device, error) {
	var st deviceStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st.Device, nil
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var stored []deviceStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		stored = make([]deviceStorage, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st deviceStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			stored = append(stored, st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Bolt iterates in key order; callers expect insertion order.
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].Seq < stored[j].Seq })
	devices := make([]*Device, len(stored))
	for i := range stored {
		devices[i] = &stored[i].Device
	}
	return devices, nil
}

func (s *BoltStore) SaveRoom(room *Room) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRooms)
		}
		data, err := json.Marshal(room)
		if err != nil {
			return err
		}
		return b.Put([]byte(room.ID), data)
	})
}

func (s *BoltStore) GetRoom(id string) (*Room, error) {
	var room Room
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRooms)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("room %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &room)
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *BoltStore) ListRooms() ([]*Room, error) {
	var rooms []*Room
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var room Room
			if err := json.Unmarshal(v, &room); err != nil {
				return err
			}
			rooms = append(rooms, &room)
			return nil
		})
	})
	return rooms, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
