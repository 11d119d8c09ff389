package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInc_AccumulatesWithoutLabels(t *testing.T) {
	r := New()
	r.Inc("casf_verify_total", nil, 1)
	r.Inc("casf_verify_total", nil, 1)
	assert.Equal(t, int64(2), r.Get("casf_verify_total", nil))
}

func TestInc_SeparatesSeriesByLabel(t *testing.T) {
	r := New()
	r.Inc("casf_fail_closed_total", Labels{"trigger": "audit_unavailable"}, 1)
	r.Inc("casf_fail_closed_total", Labels{"trigger": "replay_unavailable"}, 3)

	assert.Equal(t, int64(1), r.Get("casf_fail_closed_total", Labels{"trigger": "audit_unavailable"}))
	assert.Equal(t, int64(3), r.Get("casf_fail_closed_total", Labels{"trigger": "replay_unavailable"}))
}

func TestInc_LabelOrderDoesNotCreateDuplicateSeries(t *testing.T) {
	r := New()
	r.Inc("casf_opa_error_total", Labels{"kind": "timeout", "tool": "send_sms"}, 1)
	r.Inc("casf_opa_error_total", Labels{"tool": "send_sms", "kind": "timeout"}, 1)

	assert.Equal(t, int64(2), r.Get("casf_opa_error_total", Labels{"kind": "timeout", "tool": "send_sms"}))
}

func TestRender_IncludesHelpAndType(t *testing.T) {
	r := New()
	r.Inc("casf_verify_total", nil, 5)

	out := r.Render()
	assert.Contains(t, out, "# HELP casf_verify_total")
	assert.Contains(t, out, "# TYPE casf_verify_total counter")
	assert.Contains(t, out, "casf_verify_total 5")
}

func TestRender_RendersLabelsInPromFormat(t *testing.T) {
	r := New()
	r.Inc("casf_fail_closed_total", Labels{"trigger": "audit_unavailable"}, 1)

	out := r.Render()
	assert.Contains(t, out, `casf_fail_closed_total{trigger="audit_unavailable"} 1`)
}

func TestRender_SortsMetricNames(t *testing.T) {
	r := New()
	r.Inc("casf_verify_total", nil, 1)
	r.Inc("casf_opa_error_total", nil, 1)

	out := r.Render()
	verifyIdx := strings.Index(out, "casf_opa_error_total")
	optIdx := strings.Index(out, "casf_verify_total")
	assert.True(t, verifyIdx < optIdx, "expected casf_opa_error_total to render before casf_verify_total")
}

func TestGet_UnknownSeriesIsZero(t *testing.T) {
	r := New()
	assert.Equal(t, int64(0), r.Get("does_not_exist", nil))
}

func TestGaugeAdd_AccumulatesPositiveAndNegativeDeltas(t *testing.T) {
	r := New()
	r.GaugeAdd("casf_verify_in_flight", nil, 1)
	r.GaugeAdd("casf_verify_in_flight", nil, 1)
	r.GaugeAdd("casf_verify_in_flight", nil, -1)
	assert.Equal(t, float64(1), r.GaugeGet("casf_verify_in_flight", nil))
}

func TestGaugeSet_OverwritesCurrentValue(t *testing.T) {
	r := New()
	r.GaugeAdd("casf_verify_in_flight", nil, 5)
	r.GaugeSet("casf_verify_in_flight", nil, 2)
	assert.Equal(t, float64(2), r.GaugeGet("casf_verify_in_flight", nil))
}

func TestRender_GaugeUsesGaugeType(t *testing.T) {
	r := New()
	r.GaugeAdd("casf_verify_in_flight", nil, 1)

	out := r.Render()
	assert.Contains(t, out, "# TYPE casf_verify_in_flight gauge")
	assert.Contains(t, out, "casf_verify_in_flight 1")
}

func TestObserve_AccumulatesCountAndSum(t *testing.T) {
	r := New()
	r.Observe("casf_verify_duration_seconds", nil, 0.01)
	r.Observe("casf_verify_duration_seconds", nil, 0.2)

	out := r.Render()
	assert.Contains(t, out, "# TYPE casf_verify_duration_seconds histogram")
	assert.Contains(t, out, "casf_verify_duration_seconds_count 2")
	assert.Contains(t, out, `casf_verify_duration_seconds_bucket{le="+Inf"} 2`)
}

func TestObserve_BucketCountsAreCumulative(t *testing.T) {
	r := New()
	r.Observe("casf_verify_duration_seconds", nil, 0.6)

	out := r.Render()
	// 0.6 falls above the 0.5 bucket but within the 1.0 bucket.
	assert.Contains(t, out, `casf_verify_duration_seconds_bucket{le="0.5"} 0`)
	assert.Contains(t, out, `casf_verify_duration_seconds_bucket{le="1"} 1`)
	assert.Contains(t, out, `casf_verify_duration_seconds_bucket{le="+Inf"} 1`)
}

func TestObserve_ValueAboveHighestBucketOnlyCountsInInf(t *testing.T) {
	r := New()
	r.Observe("casf_verify_duration_seconds", nil, 10)

	out := r.Render()
	assert.Contains(t, out, `casf_verify_duration_seconds_bucket{le="2.5"} 0`)
	assert.Contains(t, out, `casf_verify_duration_seconds_bucket{le="+Inf"} 1`)
}
