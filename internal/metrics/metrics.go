// Package metrics is a minimal in-process registry of counters, gauges,
// and a histogram, rendered in Prometheus text exposition format. Zero
// external dependencies, by design: the set of series is small and
// bounded, so pulling in a client library buys nothing but an import.
package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Labels is an unordered label set; Registry sorts keys before using it
// as part of a series identity so label order never creates duplicate
// series for the same logical labels.
type Labels map[string]string

// DurationBuckets are the fixed upper bounds (seconds) for
// casf_verify_duration_seconds.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}

type metricKind string

const (
	kindCounter   metricKind = "counter"
	kindGauge     metricKind = "gauge"
	kindHistogram metricKind = "histogram"
)

type seriesKey struct {
	name   string
	labels string // labels rendered in sorted "k=v,k=v" form, used as a map key
}

type histogramValue struct {
	bucketCounts []int64 // cumulative count per DurationBuckets entry
	sum          float64
	count        int64
}

// Registry is a thread-safe counter/gauge/histogram registry with
// optional labels.
type Registry struct {
	mu         sync.Mutex
	counters   map[seriesKey]int64
	gauges     map[seriesKey]float64
	histograms map[seriesKey]*histogramValue
	labelsOf   map[seriesKey]Labels
	kindOf     map[string]metricKind
	help       map[string]string
}

// New constructs an empty Registry with the gateway's fixed metric
// descriptions pre-registered.
func New() *Registry {
	r := &Registry{
		counters:   make(map[seriesKey]int64),
		gauges:     make(map[seriesKey]float64),
		histograms: make(map[seriesKey]*histogramValue),
		labelsOf:   make(map[seriesKey]Labels),
		kindOf:     make(map[string]metricKind),
		help:       make(map[string]string),
	}
	r.describe("casf_verify_total", kindCounter, "Total /verify requests received.")
	r.describe("casf_verify_decision_total", kindCounter, "Verify decisions by outcome.")
	r.describe("casf_replay_hit_total", kindCounter, "Anti-replay cache hits (idempotent returns).")
	r.describe("casf_replay_mismatch_total", kindCounter, "Anti-replay fingerprint mismatches.")
	r.describe("casf_replay_concurrent_total", kindCounter, "Anti-replay concurrent / pending denials.")
	r.describe("casf_fail_closed_total", kindCounter, "Fail-closed denials by trigger.")
	r.describe("casf_rate_limit_deny_total", kindCounter, "SMS rate-limit denials.")
	r.describe("casf_opa_error_total", kindCounter, "Policy engine evaluation errors.")
	r.describe("casf_verify_in_flight", kindGauge, "In-flight /verify requests.")
	r.describe("casf_verify_duration_seconds", kindHistogram, "/verify request duration in seconds.")
	return r
}

func (r *Registry) describe(name string, kind metricKind, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kindOf[name] = kind
	r.help[name] = help
}

// Describe registers a HELP string for a counter metric name.
// Idempotent. Gauges and histograms are pre-registered by New and do
// not need this call.
func (r *Registry) Describe(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kindOf[name]; !ok {
		r.kindOf[name] = kindCounter
	}
	r.help[name] = help
}

// Inc increments a counter by delta (default meaning: callers pass 1).
func (r *Registry) Inc(name string, labels Labels, delta int64) {
	key := freeze(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key] += delta
	if _, ok := r.labelsOf[key]; !ok {
		r.labelsOf[key] = labels
	}
}

// Get reads the current value of a counter series; useful in tests.
func (r *Registry) Get(name string, labels Labels) int64 {
	key := freeze(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key]
}

// GaugeAdd adds delta (positive or negative) to a gauge series.
func (r *Registry) GaugeAdd(name string, labels Labels, delta float64) {
	key := freeze(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] += delta
	if _, ok := r.labelsOf[key]; !ok {
		r.labelsOf[key] = labels
	}
}

// GaugeSet sets a gauge series to an absolute value.
func (r *Registry) GaugeSet(name string, labels Labels, value float64) {
	key := freeze(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] = value
	if _, ok := r.labelsOf[key]; !ok {
		r.labelsOf[key] = labels
	}
}

// GaugeGet reads the current value of a gauge series; useful in tests.
func (r *Registry) GaugeGet(name string, labels Labels) float64 {
	key := freeze(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[key]
}

// Observe records value into a histogram series using DurationBuckets
// as the fixed bucket boundaries.
func (r *Registry) Observe(name string, labels Labels, value float64) {
	key := freeze(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[key]
	if !ok {
		h = &histogramValue{bucketCounts: make([]int64, len(DurationBuckets))}
		r.histograms[key] = h
	}
	for i, upperBound := range DurationBuckets {
		if value <= upperBound {
			h.bucketCounts[i]++
		}
	}
	h.sum += value
	h.count++
	if _, ok := r.labelsOf[key]; !ok {
		r.labelsOf[key] = labels
	}
}

// Render returns every registered series in Prometheus text exposition
// format, grouping HELP/TYPE lines once per metric name.
func (r *Registry) Render() string {
	r.mu.Lock()
	counters := make(map[seriesKey]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges := make(map[seriesKey]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	histograms := make(map[seriesKey]*histogramValue, len(r.histograms))
	for k, v := range r.histograms {
		cp := *v
		cp.bucketCounts = append([]int64(nil), v.bucketCounts...)
		histograms[k] = &cp
	}
	labelsOf := make(map[seriesKey]Labels, len(r.labelsOf))
	for k, v := range r.labelsOf {
		labelsOf[k] = v
	}
	help := make(map[string]string, len(r.help))
	for k, v := range r.help {
		help[k] = v
	}
	kindOf := make(map[string]metricKind, len(r.kindOf))
	for k, v := range r.kindOf {
		kindOf[k] = v
	}
	r.mu.Unlock()

	byName := make(map[string][]seriesKey)
	for key := range counters {
		byName[key.name] = append(byName[key.name], key)
	}
	for key := range gauges {
		byName[key.name] = append(byName[key.name], key)
	}
	for key := range histograms {
		byName[key.name] = append(byName[key.name], key)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		kind := kindOf[name]
		if kind == "" {
			kind = kindCounter
		}
		if h, ok := help[name]; ok {
			b.WriteString("# HELP ")
			b.WriteString(name)
			b.WriteString(" ")
			b.WriteString(h)
			b.WriteString("\n")
		}
		b.WriteString("# TYPE ")
		b.WriteString(name)
		b.WriteString(" ")
		b.WriteString(string(kind))
		b.WriteString("\n")

		series := byName[name]
		sort.Slice(series, func(i, j int) bool { return series[i].labels < series[j].labels })
		for _, key := range series {
			switch kind {
			case kindGauge:
				b.WriteString(name)
				b.WriteString(renderLabels(labelsOf[key]))
				b.WriteString(" ")
				b.WriteString(strconv.FormatFloat(gauges[key], 'g', -1, 64))
				b.WriteString("\n")
			case kindHistogram:
				writeHistogram(&b, name, labelsOf[key], histograms[key])
			default:
				b.WriteString(name)
				b.WriteString(renderLabels(labelsOf[key]))
				b.WriteString(" ")
				b.WriteString(strconv.FormatInt(counters[key], 10))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name string, labels Labels, h *histogramValue) {
	if h == nil {
		return
	}
	for i, upperBound := range DurationBuckets {
		bucketLabels := withLabel(labels, "le", strconv.FormatFloat(upperBound, 'g', -1, 64))
		b.WriteString(name)
		b.WriteString("_bucket")
		b.WriteString(renderLabels(bucketLabels))
		b.WriteString(" ")
		b.WriteString(strconv.FormatInt(h.bucketCounts[i], 10))
		b.WriteString("\n")
	}
	infLabels := withLabel(labels, "le", "+Inf")
	b.WriteString(name)
	b.WriteString("_bucket")
	b.WriteString(renderLabels(infLabels))
	b.WriteString(" ")
	b.WriteString(strconv.FormatInt(h.count, 10))
	b.WriteString("\n")

	b.WriteString(name)
	b.WriteString("_sum")
	b.WriteString(renderLabels(labels))
	b.WriteString(" ")
	b.WriteString(strconv.FormatFloat(h.sum, 'g', -1, 64))
	b.WriteString("\n")

	b.WriteString(name)
	b.WriteString("_count")
	b.WriteString(renderLabels(labels))
	b.WriteString(" ")
	b.WriteString(strconv.FormatInt(h.count, 10))
	b.WriteString("\n")
}

func withLabel(labels Labels, key, value string) Labels {
	merged := make(Labels, len(labels)+1)
	for k, v := range labels {
		merged[k] = v
	}
	merged[key] = value
	return merged
}

func freeze(name string, labels Labels) seriesKey {
	if len(labels) == 0 {
		return seriesKey{name: name}
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return seriesKey{name: name, labels: strings.Join(parts, ",")}
}

func renderLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+`="`+labels[k]+`"`)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
