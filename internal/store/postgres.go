package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS devices (
  seq BIGSERIAL PRIMARY KEY,
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
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (device_id, service, variable)
);
`

// PostgresStore implements Store on PostgreSQL through the pgx driver.
// It lets several controllers share one inventory.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to dsn and applies the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetDeviceState(deviceID, service, variable, def string) (string, error) {
	var value string
	err := s.db.QueryRow(
		"SELECT value FROM device_state WHERE device_id = $1 AND service = $2 AND variable = $3",
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

func (s *PostgresStore) SetDeviceState(deviceID, service, variable, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO device_state (device_id, service, variable, value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id, service, variable)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, deviceID, service, variable, value)
	if err != nil {
		return fmt.Errorf("set device state: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveDevice(dev *Device) error {
	services, err := json.Marshal(dev.Services)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO devices (device_id, name, room, services)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id)
		DO UPDATE SET name = EXCLUDED.name, room = EXCLUDED.room, services = EXCLUDED.services
	`, dev.ID, dev.Name, dev.Room, string(services))
	if err != nil {
		return fmt.Errorf("save device %s: %w", dev.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetDevice(id string) (*Device, error) {
	row := s.db.QueryRow("SELECT device_id, name, room, services FROM devices WHERE device_id = $1", id)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *PostgresStore) DeleteDevice(id string) error {
	if _, err := s.db.Exec("DELETE FROM devices WHERE device_id = $1", id); err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListDevices() ([]*Device, error) {
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

func (s *PostgresStore) SaveRoom(room *Room) error {
	_, err := s.db.Exec(`
		INSERT INTO rooms (room_id, name) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET name = EXCLUDED.name
	`, room.ID, room.Name)
	if err != nil {
		return fmt.Errorf("save room %s: %w", room.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRoom(id string) (*Room, error) {
	var room Room
	err := s.db.QueryRow("SELECT room_id, name FROM rooms WHERE room_id = $1", id).Scan(&room.ID, &room.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return &room, nil
}

func (s *PostgresStore) ListRooms() ([]*Room, error) {
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
