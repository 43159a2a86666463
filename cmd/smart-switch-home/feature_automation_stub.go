//go:build no_automation

package main

import (
	"log/slog"

	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
	"smart-switch-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *devset.Registry, _ devset.StateStore, _ *events.Bus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
