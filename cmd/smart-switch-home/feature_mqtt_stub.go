//go:build no_mqtt

package main

import (
	"log/slog"

	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
	"smart-switch-home/internal/inventory"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *devset.Registry, _ inventory.Provider, _ *events.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
