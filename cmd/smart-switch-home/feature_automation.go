//go:build !no_automation

package main

import (
	"log/slog"

	"smart-switch-home/internal/automation"
	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
	"smart-switch-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(panels *devset.Registry, state devset.StateStore, bus *events.Bus, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(panels, state, bus, scriptMgr, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(scriptMgr, engine),
	}
	return &autoStopper{engine: engine}, opts
}
