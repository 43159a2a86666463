//go:build !no_mqtt

// Package mqtt mirrors device lists to an MQTT broker and accepts list
// edits from it.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
	"smart-switch-home/internal/inventory"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	Discovery   bool // publish Home Assistant discovery
}

// Bridge publishes every panel's member list as a retained message on
// <prefix>/<owner>/<panel> and applies commands sent to .../set.
type Bridge struct {
	client    pahomqtt.Client
	panels    *devset.Registry
	inv       inventory.Provider
	bus       *events.Bus
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(panels *devset.Registry, inv inventory.Provider, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		panels:    panels,
		inv:       inv,
		bus:       bus,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "smart-switch-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The on-connect handler may fire before Connect returns.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to list changes.
func (b *Bridge) Start() {
	b.unsub = b.bus.On(events.MembershipChanged, b.handleMembershipChanged)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleMembershipChanged(event events.Event) {
	change, ok := event.Data.(events.MembershipChange)
	if !ok {
		return
	}
	b.publish(stateTopic(b.prefix, change.Owner, change.Panel), mustJSON(change.Members), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll publishes the current list of every panel on every device
// that carries one.
func (b *Bridge) publishAll() {
	snap, err := b.inv.Snapshot()
	if err != nil {
		b.logger.Error("load inventory for publish", "err", err)
		return
	}
	for _, dev := range snap.Devices() {
		for _, m := range b.panels.All() {
			def := m.Definition()
			if !dev.HasService(def.Key.Service) {
				continue
			}
			ids, err := m.Members(m.Open(dev.ID))
			if err != nil {
				b.logger.Warn("skip publish", "owner", dev.ID, "panel", def.Name, "err", err)
				continue
			}
			b.publish(stateTopic(b.prefix, dev.ID, def.Name), mustJSON(ids), true)
			if b.discovery {
				msg := buildDiscovery(dev, def, b.prefix)
				b.publish(msg.Topic, msg.Payload, true)
			}
		}
	}
}

func (b *Bridge) subscribeCommands() {
	filter := b.prefix + "/+/+/set"
	b.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		owner, panel, ok := parseCommandTopic(b.prefix, msg.Topic())
		if !ok {
			return
		}
		if err := b.handleCommand(owner, panel, msg.Payload()); err != nil {
			b.logger.Warn("mqtt command rejected", "topic", msg.Topic(), "err", err)
		}
	})
}

// command is the payload accepted on <prefix>/<owner>/<panel>/set.
// Exactly one of Add and Remove is set.
type command struct {
	Add    string `json:"add,omitempty"`
	Remove string `json:"remove,omitempty"`
}

var errBadCommand = errors.New(`command must set exactly one of "add" or "remove"`)

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid command JSON: %w", err)
	}
	if (cmd.Add == "") == (cmd.Remove == "") {
		return cmd, errBadCommand
	}
	return cmd, nil
}

// parseCommandTopic splits <prefix>/<owner>/<panel>/set and unescapes the
// owner level written by stateTopic.
func parseCommandTopic(prefix, topic string) (owner, panel string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	owner, err := parseOwnerLevel(parts[0])
	if err != nil || owner == "" {
		return "", "", false
	}
	return owner, parts[1], true
}

// handleCommand applies an add or remove to the owner's list. The resulting
// membership event republishes the state topic.
func (b *Bridge) handleCommand(owner, panel string, payload []byte) error {
	m := b.panels.Get(panel)
	if m == nil {
		return fmt.Errorf("unknown panel %q", panel)
	}
	snap, err := b.inv.Snapshot()
	if err != nil {
		return err
	}
	if snap.Device(owner) == nil {
		return fmt.Errorf("unknown device %q", owner)
	}

	cmd, err := parseCommand(payload)
	if err != nil {
		return err
	}

	sess := m.Open(owner)
	if cmd.Add != "" {
		_, err = m.Add(sess, cmd.Add)
	} else {
		_, err = m.Remove(sess, cmd.Remove)
	}
	return err
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
