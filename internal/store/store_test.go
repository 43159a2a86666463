package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// backends lets each test run against every Store implementation.
var backends = []struct {
	name string
	open func(t *testing.T, path string) (Store, error)
}{
	{"bolt", func(_ *testing.T, p string) (Store, error) { return NewBoltStore(p) }},
	{"sqlite", func(_ *testing.T, p string) (Store, error) { return NewSQLiteStore(p) }},
	{"postgres", openTestPostgres},
}

// openTestPostgres connects to SMARTSWITCH_PG_DSN and empties the tables.
func openTestPostgres(t *testing.T, _ string) (Store, error) {
	dsn := os.Getenv("SMARTSWITCH_PG_DSN")
	if dsn == "" {
		t.Skip("SMARTSWITCH_PG_DSN not set")
	}
	s, err := NewPostgresStore(dsn)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec("TRUNCATE devices, rooms, device_state RESTART IDENTITY"); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.db")
			s, err := b.open(t, path)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func TestDeviceStateDefault(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		got, err := s.GetDeviceState("12", "urn:hugheaves-com:serviceId:SmartSwitch1", "SwitchIds", "")
		if err != nil {
			t.Fatal(err)
		}
		if got != "" {
			t.Errorf("value = %q, want empty default", got)
		}

		got, err = s.GetDeviceState("12", "svc", "Var", "fallback")
		if err != nil {
			t.Fatal(err)
		}
		if got != "fallback" {
			t.Errorf("value = %q, want %q", got, "fallback")
		}
	})
}

func TestSetAndGetDeviceState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		const sid = "urn:hugheaves-com:serviceId:SmartSwitchController1"
		if err := s.SetDeviceState("12", sid, "SensorIds", "['3','7']"); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetDeviceState("12", sid, "SensorIds", "")
		if err != nil {
			t.Fatal(err)
		}
		if got != "['3','7']" {
			t.Errorf("value = %q, want %q", got, "['3','7']")
		}

		// Overwrite keeps a single value.
		if err := s.SetDeviceState("12", sid, "SensorIds", "[]"); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetDeviceState("12", sid, "SensorIds", "")
		if got != "[]" {
			t.Errorf("after overwrite value = %q, want %q", got, "[]")
		}

		// Different owner, service or variable does not collide.
		for _, k := range [][3]string{{"13", sid, "SensorIds"}, {"12", "other", "SensorIds"}, {"12", sid, "SwitchIds"}} {
			v, err := s.GetDeviceState(k[0], k[1], k[2], "")
			if err != nil {
				t.Fatal(err)
			}
			if v != "" {
				t.Errorf("state %v = %q, want empty", k, v)
			}
		}
	})
}

func TestSaveAndGetDevice(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		dev := &Device{
			ID:       "42",
			Name:     "Hall Motion",
			Room:     "3",
			Services: []string{"urn:micasaverde-com:serviceId:SecuritySensor1"},
		}
		if err := s.SaveDevice(dev); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetDevice("42")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != dev.Name {
			t.Errorf("name = %q, want %q", got.Name, dev.Name)
		}
		if got.Room != dev.Room {
			t.Errorf("room = %q, want %q", got.Room, dev.Room)
		}
		if len(got.Services) != 1 || got.Services[0] != dev.Services[0] {
			t.Errorf("services = %v, want %v", got.Services, dev.Services)
		}
		if !got.HasService("urn:micasaverde-com:serviceId:SecuritySensor1") {
			t.Error("HasService = false, want true")
		}
	})
}

func TestGetDeviceNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetDevice("999")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestDeleteDevice(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if err := s.SaveDevice(&Device{ID: "5", Name: "Lamp"}); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteDevice("5"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetDevice("5"); err == nil {
			t.Fatal("expected error after delete, got nil")
		}
	})
}

func TestListDevicesInsertionOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		// Bytewise key order would be 10, 2, 9.
		for _, id := range []string{"9", "10", "2"} {
			if err := s.SaveDevice(&Device{ID: id, Name: "dev " + id}); err != nil {
				t.Fatal(err)
			}
		}
		// Updating an existing device keeps its position.
		if err := s.SaveDevice(&Device{ID: "9", Name: "renamed"}); err != nil {
			t.Fatal(err)
		}

		list, err := s.ListDevices()
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"9", "10", "2"}
		if len(list) != len(want) {
			t.Fatalf("list count = %d, want %d", len(list), len(want))
		}
		for i, id := range want {
			if list[i].ID != id {
				t.Errorf("list[%d] = %q, want %q", i, list[i].ID, id)
			}
		}
		if list[0].Name != "renamed" {
			t.Errorf("list[0].name = %q, want %q", list[0].Name, "renamed")
		}
	})
}

func TestSaveAndListRooms(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for _, r := range []*Room{{ID: "1", Name: "Kitchen"}, {ID: "2", Name: "Hall"}} {
			if err := s.SaveRoom(r); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.GetRoom("2")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "Hall" {
			t.Errorf("room name = %q, want %q", got.Name, "Hall")
		}

		rooms, err := s.ListRooms()
		if err != nil {
			t.Fatal(err)
		}
		if len(rooms) != 2 {
			t.Fatalf("rooms = %d, want 2", len(rooms))
		}

		if _, err := s.GetRoom("77"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, err := Open("postgres", ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
