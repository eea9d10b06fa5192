package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncRateLimitDrop(t *testing.T) {
	before := testutil.ToFloat64(RateLimitDrops.WithLabelValues("global"))
	IncRateLimitDrop("")
	IncRateLimitDrop("global")
	assert.Equal(t, before+2, testutil.ToFloat64(RateLimitDrops.WithLabelValues("global")))

	beforeAPI := testutil.ToFloat64(RateLimitDrops.WithLabelValues("/api/automations"))
	IncRateLimitDrop("/api/automations")
	assert.Equal(t, beforeAPI+1, testutil.ToFloat64(RateLimitDrops.WithLabelValues("/api/automations")))
}
