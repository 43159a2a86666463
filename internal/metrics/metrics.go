// Package metrics exposes Prometheus counters for the device-list panels.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "smartswitch_"

// Ignore reasons.
const (
	ReasonNoSelection = "no_selection"
	ReasonDuplicate   = "duplicate"
	ReasonAbsent      = "absent"
)

var (
	registerOnce sync.Once

	membershipChanges *prometheus.CounterVec
	ignoredOps        *prometheus.CounterVec
	parseErrors       *prometheus.CounterVec
	panelRenders      *prometheus.CounterVec
)

// Init registers the metrics with reg. Safe to call more than once; only
// the first call registers. Before Init the recording functions are no-ops.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		membershipChanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "membership_changes_total",
				Help: "Total device set membership changes by panel and operation",
			},
			[]string{"panel", "op"},
		)
		ignoredOps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ignored_ops_total",
				Help: "Total add/remove requests ignored as no-ops, by reason",
			},
			[]string{"panel", "reason"},
		)
		parseErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "parse_errors_total",
				Help: "Total malformed persisted device lists encountered",
			},
			[]string{"panel"},
		)
		panelRenders = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "panel_renders_total",
				Help: "Total settings panel renders",
			},
			[]string{"panel"},
		)

		reg.MustRegister(membershipChanges, ignoredOps, parseErrors, panelRenders)
	})
}

// IncMembershipChange counts an effective add or remove.
func IncMembershipChange(panel, op string) {
	if membershipChanges != nil {
		membershipChanges.WithLabelValues(panel, op).Inc()
	}
}

// IncIgnored counts a guarded no-op.
func IncIgnored(panel, reason string) {
	if ignoredOps != nil {
		ignoredOps.WithLabelValues(panel, reason).Inc()
	}
}

// IncParseError counts a persisted list that failed to decode.
func IncParseError(panel string) {
	if parseErrors != nil {
		parseErrors.WithLabelValues(panel).Inc()
	}
}

// IncPanelRender counts a panel view.
func IncPanelRender(panel string) {
	if panelRenders != nil {
		panelRenders.WithLabelValues(panel).Inc()
	}
}
