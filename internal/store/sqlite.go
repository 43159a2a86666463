package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  room TEXT NOT NULL DEFAULT '',
  services TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS rooms (
  room_id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS device_state (
  device_id TEXT NOT NULL,
  service TEXT NOT NULL,
  variable TEXT NOT NULL,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT (datetime('now')),
  PRIMARY KEY (device_id, service, variable)
);
`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates an SQLite database and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// - _journal=WAL: readers don't block the writer
	// - _busy_timeout=5000: wait up to 5 seconds for locks
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&mode=rwc", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writes anyway
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetDeviceState(deviceID, service, variable, def string) (string, error) {
	var value string
	err := s.db.QueryRow(
		"SELECT value FROM device_state WHERE device_id = ? AND service = ? AND variable = ?",
		deviceID, service, variable,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get device state: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetDeviceState(deviceID, service, variable, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO device_state (device_id, service, variable, value, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(device_id, service, variable)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, deviceID, service, variable, value)
	if err != nil {
		return fmt.Errorf("set device state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveDevice(dev *Device) error {
	services, err := json.Marshal(dev.Services)
	if err != nil {
		return err
	}
	// ON CONFLICT ... DO UPDATE keeps the row's seq, preserving order.
	_, err = s.db.Exec(`
		INSERT INTO devices (device_id, name, room, services)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id)
		DO UPDATE SET name = excluded.name, room = excluded.room, services = excluded.services
	`, dev.ID, dev.Name, dev.Room, string(services))
	if err != nil {
		return fmt.Errorf("save device %s: %w", dev.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(id string) (*Device, error) {
	row := s.db.QueryRow("SELECT device_id, name, room, services FROM devices WHERE device_id = ?", id)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *SQLiteStore) DeleteDevice(id string) error {
	if _, err := s.db.Exec("DELETE FROM devices WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListDevices() ([]*Device, error) {
	rows, err := s.db.Query("SELECT device_id, name, room, services FROM devices ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) SaveRoom(room *Room) error {
	_, err := s.db.Exec(`
		INSERT INTO rooms (room_id, name) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET name = excluded.name
	`, room.ID, room.Name)
	if err != nil {
		return fmt.Errorf("save room %s: %w", room.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRoom(id string) (*Room, error) {
	var room Room
	err := s.db.QueryRow("SELECT room_id, name FROM rooms WHERE room_id = ?", id).Scan(&room.ID, &room.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return &room, nil
}

func (s *SQLiteStore) ListRooms() ([]*Room, error) {
	rows, err := s.db.Query("SELECT room_id, name FROM rooms ORDER BY room_id")
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name); err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var dev Device
	var services string
	if err := row.Scan(&dev.ID, &dev.Name, &dev.Room, &services); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(services), &dev.Services); err != nil {
		return nil, fmt.Errorf("decode services for %s: %w", dev.ID, err)
	}
	return &dev, nil
}
