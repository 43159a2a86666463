// Package devset manages ordered, duplicate-free lists of device IDs that
// are persisted as a setting on an owning device.
//
// A Manager is configured by a Definition: the services that make a device
// eligible and the (service, variable) key the list is stored under. The
// same algorithm backs both the smart-switch list and the per-switch
// trigger list.
package devset

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"smart-switch-home/internal/events"
	"smart-switch-home/internal/inventory"
	"smart-switch-home/internal/metrics"
	"smart-switch-home/internal/store"
)

// Key addresses the persisted list on the owning device.
type Key struct {
	Service  string `json:"service"`
	Variable string `json:"variable"`
}

// Definition parameterizes a Manager.
type Definition struct {
	Name         string   `json:"name"`  // URL/topic-safe panel name
	Title        string   `json:"title"` // display title
	Help         string   `json:"help,omitempty"`
	Capabilities []string `json:"capabilities"` // a device is eligible if it exposes any of these
	Key          Key      `json:"key"`
}

// SwitchSet lists the physical switches to be promoted to smart switches.
var SwitchSet = Definition{
	Name:  "switches",
	Title: "Smart Switches",
	Help: "Switches in this list get a smart switch device when the settings are saved. " +
		"Open each smart switch afterwards to add the sensors that control it.",
	Capabilities: []string{inventory.ServiceSwitchPower},
	Key:          Key{Service: inventory.ServiceSmartSwitch, Variable: "SwitchIds"},
}

// TriggerSet lists the sensors or switches that trigger one smart switch.
var TriggerSet = Definition{
	Name:  "triggers",
	Title: "Trigger Devices",
	Help: "Add one or more motion sensors (or other switches) that act as the trigger " +
		"for this switch.",
	Capabilities: []string{inventory.ServiceSecuritySensor, inventory.ServiceSwitchPower},
	Key:          Key{Service: inventory.ServiceSmartSwitchController, Variable: "SensorIds"},
}

// StateStore is the subset of store.Store the manager persists through.
type StateStore interface {
	GetDeviceState(deviceID, service, variable, def string) (string, error)
	SetDeviceState(deviceID, service, variable, value string) error
}

// Session is the context of one open settings panel.
type Session struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Key   Key    `json:"key"`
}

// Member is one row of the member table.
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RoomName string `json:"room"`
	Known    bool   `json:"known"` // false when the device is no longer in the inventory
}

// Panel is everything needed to render a settings panel.
type Panel struct {
	Session    Session         `json:"session"`
	Definition Definition      `json:"definition"`
	Owner      *store.Device   `json:"owner,omitempty"`
	Eligible   []*store.Device `json:"eligible"`
	Members    []Member        `json:"members"`
}

// Manager applies add/remove transitions to one kind of device list.
type Manager struct {
	def    Definition
	state  StateStore
	inv    inventory.Provider
	bus    *events.Bus
	logger *slog.Logger
}

// NewManager creates a manager. bus may be nil.
func NewManager(def Definition, state StateStore, inv inventory.Provider, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		def:    def,
		state:  state,
		inv:    inv,
		bus:    bus,
		logger: logger.With("component", "devset", "panel", def.Name),
	}
}

// Definition returns the manager's configuration.
func (m *Manager) Definition() Definition {
	return m.def
}

// Open starts a panel session for owner.
func (m *Manager) Open(owner string) Session {
	return Session{ID: uuid.NewString(), Owner: owner, Key: m.def.Key}
}

// Members returns the persisted list for the session's owner.
func (m *Manager) Members(sess Session) ([]string, error) {
	raw, err := m.state.GetDeviceState(sess.Owner, sess.Key.Service, sess.Key.Variable, "")
	if err != nil {
		return nil, fmt.Errorf("get %s for device %s: %w", sess.Key.Variable, sess.Owner, err)
	}
	ids, err := DecodeIDs(raw)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			metrics.IncParseError(m.def.Name)
			m.logger.Warn("malformed device list", "owner", sess.Owner, "variable", sess.Key.Variable, "value", raw)
		}
		return nil, err
	}
	return ids, nil
}

func (m *Manager) setMembers(sess Session, ids []string) error {
	if err := m.state.SetDeviceState(sess.Owner, sess.Key.Service, sess.Key.Variable, EncodeIDs(ids)); err != nil {
		return fmt.Errorf("set %s for device %s: %w", sess.Key.Variable, sess.Owner, err)
	}
	return nil
}

// Eligible returns the devices that may be added: those exposing any of the
// definition's capabilities and not already members, in inventory order.
func (m *Manager) Eligible(sess Session) ([]*store.Device, error) {
	snap, err := m.inv.Snapshot()
	if err != nil {
		return nil, err
	}
	ids, err := m.Members(sess)
	if err != nil {
		return nil, err
	}
	return eligible(snap.Devices(), m.def.Capabilities, ids), nil
}

func eligible(devices []*store.Device, capabilities []string, members []string) []*store.Device {
	out := make([]*store.Device, 0, len(devices))
	for _, d := range devices {
		if indexOf(members, d.ID) >= 0 {
			continue
		}
		for _, c := range capabilities {
			if d.HasService(c) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Add appends id to the list. Adding the no-selection sentinel or an
// existing member is a no-op. Reports whether the list changed.
func (m *Manager) Add(sess Session, id string) (bool, error) {
	ids, err := m.Members(sess)
	if err != nil {
		return false, err
	}
	ids, changed := addID(ids, id)
	if !changed {
		reason := metrics.ReasonDuplicate
		if id == "" || id == NoSelection {
			reason = metrics.ReasonNoSelection
		}
		metrics.IncIgnored(m.def.Name, reason)
		m.logger.Debug("add ignored", "owner", sess.Owner, "device", id, "reason", reason)
		return false, nil
	}
	if err := m.setMembers(sess, ids); err != nil {
		return false, err
	}
	m.changed(sess, "add", id, ids)
	return true, nil
}

// Remove deletes id from the list. Removing a non-member is a no-op.
// Reports whether the list changed.
func (m *Manager) Remove(sess Session, id string) (bool, error) {
	ids, err := m.Members(sess)
	if err != nil {
		return false, err
	}
	ids, changed := removeID(ids, id)
	if !changed {
		metrics.IncIgnored(m.def.Name, metrics.ReasonAbsent)
		m.logger.Debug("remove ignored", "owner", sess.Owner, "device", id, "reason", metrics.ReasonAbsent)
		return false, nil
	}
	if err := m.setMembers(sess, ids); err != nil {
		return false, err
	}
	m.changed(sess, "remove", id, ids)
	return true, nil
}

func (m *Manager) changed(sess Session, op, id string, ids []string) {
	metrics.IncMembershipChange(m.def.Name, op)
	m.logger.Info("device list changed", "owner", sess.Owner, "op", op, "device", id, "count", len(ids))
	if m.bus != nil {
		m.bus.Emit(events.Event{Type: events.MembershipChanged, Data: events.MembershipChange{
			Panel:    m.def.Name,
			Owner:    sess.Owner,
			Session:  sess.ID,
			Op:       op,
			DeviceID: id,
			Members:  ids,
		}})
	}
}

// View builds the panel for the session's owner. An owner that is not in
// the inventory yields an empty panel.
func (m *Manager) View(sess Session) (*Panel, error) {
	p := &Panel{
		Session:    sess,
		Definition: m.def,
		Eligible:   []*store.Device{},
		Members:    []Member{},
	}

	snap, err := m.inv.Snapshot()
	if err != nil {
		return nil, err
	}
	p.Owner = snap.Device(sess.Owner)
	if p.Owner == nil {
		return p, nil
	}

	ids, err := m.Members(sess)
	if err != nil {
		return nil, err
	}
	p.Eligible = eligible(snap.Devices(), m.def.Capabilities, ids)
	for _, id := range ids {
		mem := Member{ID: id, RoomName: inventory.NoRoom}
		if d := snap.Device(id); d != nil {
			mem.Name = d.Name
			mem.RoomName = snap.RoomName(d.Room)
			mem.Known = true
		}
		p.Members = append(p.Members, mem)
	}

	metrics.IncPanelRender(m.def.Name)
	return p, nil
}

// Registry looks up managers by panel name.
type Registry struct {
	byName map[string]*Manager
	all    []*Manager
}

// NewRegistry creates a registry of the given managers.
func NewRegistry(managers ...*Manager) *Registry {
	r := &Registry{byName: make(map[string]*Manager, len(managers))}
	for _, m := range managers {
		r.byName[m.def.Name] = m
		r.all = append(r.all, m)
	}
	return r
}

// Get returns the manager for a panel name, or nil.
func (r *Registry) Get(name string) *Manager {
	return r.byName[name]
}

// All returns the managers in registration order.
func (r *Registry) All() []*Manager {
	return r.all
}
