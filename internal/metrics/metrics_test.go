package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	Init(prometheus.NewRegistry())

	IncMembershipChange("triggers", "add")
	IncMembershipChange("triggers", "add")
	IncIgnored("switches", ReasonDuplicate)
	IncParseError("switches")
	IncPanelRender("switches")

	assert.Equal(t, 2.0, testutil.ToFloat64(membershipChanges.WithLabelValues("triggers", "add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ignoredOps.WithLabelValues("switches", ReasonDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(parseErrors.WithLabelValues("switches")))
	assert.Equal(t, 1.0, testutil.ToFloat64(panelRenders.WithLabelValues("switches")))
}
