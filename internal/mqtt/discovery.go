//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"net/url"
	"strings"

	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/smartswitch_12/triggers/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a HA sensor discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	JSONAttributesTmpl  string   `json:"json_attributes_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	Device              haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	return "Device " + dev.ID
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "smartswitch_" + topicSafe(dev.ID)
}

// topicSafe lowercases s and replaces anything outside [a-z0-9_-]. The
// result is lossy and only fit for Home Assistant identifiers.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// ownerLevel escapes a device ID into a single topic level. Unlike
// topicSafe it is reversible, so commands on <state topic>/set resolve to
// the same device. The MQTT wildcards are escaped as well.
func ownerLevel(owner string) string {
	return strings.ReplaceAll(url.PathEscape(owner), "+", "%2B")
}

// parseOwnerLevel is the inverse of ownerLevel.
func parseOwnerLevel(level string) (string, error) {
	return url.PathUnescape(level)
}

// stateTopic is where the member list of a panel is published.
func stateTopic(prefix, owner, panel string) string {
	return prefix + "/" + ownerLevel(owner) + "/" + panel
}

// buildDiscovery generates a member-count sensor for one panel of a device.
// The member IDs are exposed as the sensor's attributes.
func buildDiscovery(dev *store.Device, def devset.Definition, prefix string) discoveryMsg {
	nodeID := deviceIdentifier(dev)
	topic := stateTopic(prefix, dev.ID, def.Name)

	payload := haDiscovery{
		Name:                deviceDisplayName(dev) + " " + def.Title,
		UniqueID:            nodeID + "_" + def.Name,
		StateTopic:          topic,
		AvailabilityTopic:   prefix + "/bridge/state",
		ValueTemplate:       "{{ value_json | length }}",
		JSONAttributesTopic: topic,
		JSONAttributesTmpl:  `{{ {"devices": value_json} | tojson }}`,
		UnitOfMeasurement:   "devices",
		Icon:                "mdi:format-list-bulleted",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "smart-switch-home",
			Name:         deviceDisplayName(dev),
		},
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, def.Name),
		Payload: mustJSON(payload),
	}
}
