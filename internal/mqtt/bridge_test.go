//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
	"smart-switch-home/internal/inventory"
	"smart-switch-home/internal/store"
)

func TestDiscoveryPanelSensor(t *testing.T) {
	dev := &store.Device{ID: "12", Name: "Hall Smart Switch"}

	msg := buildDiscovery(dev, devset.TriggerSet, "smartswitch")
	if msg.Topic != "homeassistant/sensor/smartswitch_12/triggers/config" {
		t.Errorf("topic = %q", msg.Topic)
	}

	var payload haDiscovery
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "Hall Smart Switch Trigger Devices" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "smartswitch_12_triggers" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "smartswitch/12/triggers" || payload.JSONAttributesTopic != payload.StateTopic {
		t.Errorf("state_topic = %q, attributes topic = %q", payload.StateTopic, payload.JSONAttributesTopic)
	}
	if payload.AvailabilityTopic != "smartswitch/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if len(payload.Device.Identifiers) != 1 || payload.Device.Identifiers[0] != "smartswitch_12" {
		t.Errorf("device identifiers = %v", payload.Device.Identifiers)
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		dev  *store.Device
		want string
	}{
		{&store.Device{ID: "3", Name: "Hall Light"}, "Hall Light"},
		{&store.Device{ID: "3"}, "Device 3"},
	}
	for _, tt := range tests {
		if got := deviceDisplayName(tt.dev); got != tt.want {
			t.Errorf("deviceDisplayName(%+v) = %q, want %q", tt.dev, got, tt.want)
		}
	}
}

func TestStateTopic(t *testing.T) {
	tests := []struct {
		owner, panel, want string
	}{
		{"12", "triggers", "smartswitch/12/triggers"},
		{"Hall-Switch", "triggers", "smartswitch/Hall-Switch/triggers"},
		{"Hall/Light", "switches", "smartswitch/Hall%2FLight/switches"},
		{"a+b#", "triggers", "smartswitch/a%2Bb%23/triggers"},
		{"living room", "switches", "smartswitch/living%20room/switches"},
	}
	for _, tt := range tests {
		if got := stateTopic("smartswitch", tt.owner, tt.panel); got != tt.want {
			t.Errorf("stateTopic(%q, %q) = %q, want %q", tt.owner, tt.panel, got, tt.want)
		}
	}

	if a, b := stateTopic("p", "A.1", "t"), stateTopic("p", "a_1", "t"); a == b {
		t.Errorf("distinct owners share state topic %q", a)
	}
}

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic string
		owner string
		panel string
		ok    bool
	}{
		{"smartswitch/12/triggers/set", "12", "triggers", true},
		{"smartswitch/1/switches/set", "1", "switches", true},
		{"smartswitch/12/triggers", "", "", false},
		{"smartswitch/bridge/state", "", "", false},
		{"other/12/triggers/set", "", "", false},
		{"smartswitch//triggers/set", "", "", false},
		{"smartswitch/12/triggers/set/extra", "", "", false},
		{"smartswitch/Hall%2FLight/switches/set", "Hall/Light", "switches", true},
		{"smartswitch/a%2Bb%23/triggers/set", "a+b#", "triggers", true},
		{"smartswitch/bad%zz/triggers/set", "", "", false},
	}
	for _, tt := range tests {
		owner, panel, ok := parseCommandTopic("smartswitch", tt.topic)
		if owner != tt.owner || panel != tt.panel || ok != tt.ok {
			t.Errorf("parseCommandTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.topic, owner, panel, ok, tt.owner, tt.panel, tt.ok)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    command
		wantErr bool
	}{
		{"add", `{"add":"7"}`, command{Add: "7"}, false},
		{"remove", `{"remove":"3"}`, command{Remove: "3"}, false},
		{"both", `{"add":"7","remove":"3"}`, command{}, true},
		{"neither", `{}`, command{}, true},
		{"not json", `add 7`, command{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("command = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := parseCommand([]byte(`{}`)); !errors.Is(err, errBadCommand) {
		t.Errorf("empty command err = %v, want errBadCommand", err)
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON([]string{"7", "3"})); got != `["7","3"]` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(func() {})); got != "{}" {
		t.Errorf("mustJSON(unencodable) = %s, want {}", got)
	}
}

func newCommandBridge(t *testing.T) (*Bridge, *store.BoltStore, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	for _, d := range []*store.Device{
		{ID: "12", Name: "Hall Smart Switch", Services: []string{inventory.ServiceSmartSwitchController}},
		{ID: "7", Name: "Hall Motion", Services: []string{inventory.ServiceSecuritySensor}},
		{ID: "Hall-Switch", Name: "Hall Switch", Services: []string{inventory.ServiceSmartSwitchController}},
		{ID: "A.1", Name: "Porch Switch", Services: []string{inventory.ServiceSmartSwitchController}},
		{ID: "a_1", Name: "Garage Switch", Services: []string{inventory.ServiceSmartSwitchController}},
	} {
		if err := db.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	bus := events.NewBus(logger)
	inv := inventory.NewStoreProvider(db)
	panels := devset.NewRegistry(devset.NewManager(devset.TriggerSet, db, inv, bus, logger))
	return &Bridge{panels: panels, inv: inv, bus: bus, prefix: "smartswitch", logger: logger}, db, bus
}

func TestHandleCommand(t *testing.T) {
	b, db, bus := newCommandBridge(t)

	var changes []events.MembershipChange
	bus.On(events.MembershipChanged, func(e events.Event) {
		changes = append(changes, e.Data.(events.MembershipChange))
	})

	if err := b.handleCommand("12", "triggers", []byte(`{"add":"7"}`)); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetDeviceState("12", inventory.ServiceSmartSwitchController, "SensorIds", "")
	if err != nil {
		t.Fatal(err)
	}
	if v != "['7']" {
		t.Errorf("persisted = %q, want ['7']", v)
	}

	if err := b.handleCommand("12", "triggers", []byte(`{"remove":"7"}`)); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 || changes[0].Op != "add" || changes[1].Op != "remove" {
		t.Errorf("changes = %+v", changes)
	}
}

func TestHandleCommandRejects(t *testing.T) {
	b, _, _ := newCommandBridge(t)

	tests := []struct {
		name    string
		owner   string
		panel   string
		payload string
	}{
		{"unknown panel", "12", "lamps", `{"add":"7"}`},
		{"unknown owner", "99", "triggers", `{"add":"7"}`},
		{"bad payload", "12", "triggers", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.handleCommand(tt.owner, tt.panel, []byte(tt.payload)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleCommandOnStateTopic(t *testing.T) {
	b, db, _ := newCommandBridge(t)

	for _, owner := range []string{"Hall-Switch", "A.1", "a_1"} {
		topic := stateTopic(b.prefix, owner, "triggers") + "/set"
		gotOwner, panel, ok := parseCommandTopic(b.prefix, topic)
		if !ok || gotOwner != owner || panel != "triggers" {
			t.Fatalf("parseCommandTopic(%q) = (%q, %q, %v)", topic, gotOwner, panel, ok)
		}
		if err := b.handleCommand(gotOwner, panel, []byte(`{"add":"7"}`)); err != nil {
			t.Fatalf("%s: %v", owner, err)
		}
	}

	// Each owner keeps its own list.
	if err := b.handleCommand("a_1", "triggers", []byte(`{"remove":"7"}`)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		owner, want string
	}{
		{"Hall-Switch", "['7']"},
		{"A.1", "['7']"},
		{"a_1", "[]"},
	}
	for _, tt := range tests {
		v, err := db.GetDeviceState(tt.owner, inventory.ServiceSmartSwitchController, "SensorIds", "")
		if err != nil {
			t.Fatal(err)
		}
		if v != tt.want {
			t.Errorf("%s persisted = %q, want %q", tt.owner, v, tt.want)
		}
	}
}
