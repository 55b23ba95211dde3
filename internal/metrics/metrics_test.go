package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialization(t *testing.T) {
	assert.NotNil(t, ShardOperationsTotal)
	assert.NotNil(t, ShardVectors)
	assert.NotNil(t, CoordinatorRequestsTotal)
	assert.NotNil(t, SearchDegradedShardsTotal)
	assert.NotNil(t, QuorumMissesTotal)
	assert.NotNil(t, ReplicationQueueDepth)
	assert.NotNil(t, DetectorTransitionsTotal)
	assert.NotNil(t, CheckpointDurationSeconds)
}

func TestCounterVecLabels(t *testing.T) {
	before := testutil.ToFloat64(ShardOperationsTotal.WithLabelValues("0", "add", "ok"))
	ShardOperationsTotal.WithLabelValues("0", "add", "ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ShardOperationsTotal.WithLabelValues("0", "add", "ok")))

	ReplicationQueueDepth.WithLabelValues("3").Set(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(ReplicationQueueDepth.WithLabelValues("3")))
}
