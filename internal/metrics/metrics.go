// Package metrics holds the process-wide, lock-free counters updated at
// the probe points named in the design, mirrored into Prometheus
// instruments for scrape compatibility.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the atomic counters and their Prometheus mirrors. All
// fields are safe for concurrent use from multiple request goroutines;
// readers see a consistent snapshot of any individual counter, not of the
// counter set as a whole.
type Metrics struct {
	ConversionsAttempted atomic.Int64
	ConversionsSucceeded atomic.Int64
	ConversionsFailed    atomic.Int64
	ConversionsBypassed  atomic.Int64

	FailuresConversion    atomic.Int64
	FailuresResourceLimit atomic.Int64
	FailuresSystem        atomic.Int64

	InputBytes          atomic.Int64
	OutputBytes         atomic.Int64
	ConversionTimeSumMs atomic.Int64

	DecompressionsAttempted atomic.Int64
	DecompressionsSucceeded atomic.Int64
	DecompressionsFailed    atomic.Int64
	DecompressionsGzip      atomic.Int64
	DecompressionsDeflate   atomic.Int64
	DecompressionsBrotli    atomic.Int64

	registry  *prometheus.Registry
	promo     promCounters
	syncMu    sync.Mutex

	lastConversionsAttempted    int64
	lastConversionsSucceeded    int64
	lastConversionsFailed       int64
	lastConversionsBypassed     int64
	lastFailuresConversion      int64
	lastFailuresResourceLimit   int64
	lastFailuresSystem          int64
	lastInputBytes              int64
	lastOutputBytes             int64
	lastConversionTimeSumMs     int64
	lastDecompressionsAttempted int64
	lastDecompressionsSucceeded int64
	lastDecompressionsFailed    int64
	lastDecompressionsGzip      int64
	lastDecompressionsDeflate   int64
	lastDecompressionsBrotli    int64
}

type promCounters struct {
	conversionsAttempted prometheus.Counter
	conversionsSucceeded prometheus.Counter
	conversionsFailed    prometheus.Counter
	conversionsBypassed  prometheus.Counter

	failuresConversion    prometheus.Counter
	failuresResourceLimit prometheus.Counter
	failuresSystem        prometheus.Counter

	inputBytes          prometheus.Counter
	outputBytes         prometheus.Counter
	conversionTimeSumMs prometheus.Counter

	decompressionsAttempted prometheus.Counter
	decompressionsSucceeded prometheus.Counter
	decompressionsFailed    prometheus.Counter
	decompressionsGzip      prometheus.Counter
	decompressionsDeflate   prometheus.Counter
	decompressionsBrotli    prometheus.Counter
}

// New creates a Metrics instance with its own Prometheus registry, so
// multiple instances (e.g. one per test) never collide on metric names.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}
	m.promo = promCounters{
		conversionsAttempted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_conversions_attempted_total", Help: "Conversions attempted.",
		}),
		conversionsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_conversions_succeeded_total", Help: "Conversions that produced a usable artifact.",
		}),
		conversionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_conversions_failed_total", Help: "Conversions that ended in a failure disposition.",
		}),
		conversionsBypassed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_conversions_bypassed_total", Help: "Responses left unconverted by negotiation or eligibility.",
		}),
		failuresConversion: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_failures_conversion_total", Help: "Failures classified as conversion errors.",
		}),
		failuresResourceLimit: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_failures_resource_limit_total", Help: "Failures classified as resource-limit errors.",
		}),
		failuresSystem: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_failures_system_total", Help: "Failures classified as system errors.",
		}),
		inputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_input_bytes_total", Help: "Bytes of HTML handed to the converter.",
		}),
		outputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_output_bytes_total", Help: "Bytes of Markdown produced by the converter.",
		}),
		conversionTimeSumMs: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_conversion_time_sum_ms_total", Help: "Sum of conversion durations in milliseconds.",
		}),
		decompressionsAttempted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_decompressions_attempted_total", Help: "Decompressions attempted.",
		}),
		decompressionsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_decompressions_succeeded_total", Help: "Decompressions that produced output.",
		}),
		decompressionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_decompressions_failed_total", Help: "Decompressions that errored.",
		}),
		decompressionsGzip: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_decompressions_gzip_total", Help: "Decompressions of gzip-encoded bodies.",
		}),
		decompressionsDeflate: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_decompressions_deflate_total", Help: "Decompressions of deflate-encoded bodies.",
		}),
		decompressionsBrotli: factory.NewCounter(prometheus.CounterOpts{
			Name: "mdfilter_decompressions_brotli_total", Help: "Decompressions of brotli-encoded bodies.",
		}),
	}
	return m
}

// Registry exposes the underlying Prometheus registry, e.g. to mount a
// promhttp.HandlerFor endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Snapshot is a point-in-time copy of every counter, suitable for the
// plain-text/JSON metrics endpoint.
type Snapshot struct {
	ConversionsAttempted int64 `json:"conversions_attempted"`
	ConversionsSucceeded int64 `json:"conversions_succeeded"`
	ConversionsFailed    int64 `json:"conversions_failed"`
	ConversionsBypassed  int64 `json:"conversions_bypassed"`

	FailuresConversion    int64 `json:"failures_conversion"`
	FailuresResourceLimit int64 `json:"failures_resource_limit"`
	FailuresSystem        int64 `json:"failures_system"`

	InputBytes          int64 `json:"input_bytes"`
	OutputBytes         int64 `json:"output_bytes"`
	ConversionTimeSumMs int64 `json:"conversion_time_sum_ms"`

	DecompressionsAttempted int64 `json:"decompressions_attempted"`
	DecompressionsSucceeded int64 `json:"decompressions_succeeded"`
	DecompressionsFailed    int64 `json:"decompressions_failed"`
	DecompressionsGzip      int64 `json:"decompressions_gzip"`
	DecompressionsDeflate   int64 `json:"decompressions_deflate"`
	DecompressionsBrotli    int64 `json:"decompressions_brotli"`
}

// Snapshot reads every counter once and mirrors the totals into the
// Prometheus instruments so a scrape reflects the same values a
// plain-text/JSON read would return.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		ConversionsAttempted:     m.ConversionsAttempted.Load(),
		ConversionsSucceeded:     m.ConversionsSucceeded.Load(),
		ConversionsFailed:        m.ConversionsFailed.Load(),
		ConversionsBypassed:      m.ConversionsBypassed.Load(),
		FailuresConversion:       m.FailuresConversion.Load(),
		FailuresResourceLimit:    m.FailuresResourceLimit.Load(),
		FailuresSystem:           m.FailuresSystem.Load(),
		InputBytes:               m.InputBytes.Load(),
		OutputBytes:              m.OutputBytes.Load(),
		ConversionTimeSumMs:      m.ConversionTimeSumMs.Load(),
		DecompressionsAttempted:  m.DecompressionsAttempted.Load(),
		DecompressionsSucceeded:  m.DecompressionsSucceeded.Load(),
		DecompressionsFailed:     m.DecompressionsFailed.Load(),
		DecompressionsGzip:       m.DecompressionsGzip.Load(),
		DecompressionsDeflate:    m.DecompressionsDeflate.Load(),
		DecompressionsBrotli:     m.DecompressionsBrotli.Load(),
	}
	m.syncPrometheus(s)
	return s
}

// syncPrometheus adds the delta between the last-synced Prometheus total
// and the current atomic value. Prometheus counters only support Add, so
// this mirrors monotonically without ever decrementing.
func (m *Metrics) syncPrometheus(s Snapshot) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	addDelta(m.promo.conversionsAttempted, &m.lastConversionsAttempted, s.ConversionsAttempted)
	addDelta(m.promo.conversionsSucceeded, &m.lastConversionsSucceeded, s.ConversionsSucceeded)
	addDelta(m.promo.conversionsFailed, &m.lastConversionsFailed, s.ConversionsFailed)
	addDelta(m.promo.conversionsBypassed, &m.lastConversionsBypassed, s.ConversionsBypassed)
	addDelta(m.promo.failuresConversion, &m.lastFailuresConversion, s.FailuresConversion)
	addDelta(m.promo.failuresResourceLimit, &m.lastFailuresResourceLimit, s.FailuresResourceLimit)
	addDelta(m.promo.failuresSystem, &m.lastFailuresSystem, s.FailuresSystem)
	addDelta(m.promo.inputBytes, &m.lastInputBytes, s.InputBytes)
	addDelta(m.promo.outputBytes, &m.lastOutputBytes, s.OutputBytes)
	addDelta(m.promo.conversionTimeSumMs, &m.lastConversionTimeSumMs, s.ConversionTimeSumMs)
	addDelta(m.promo.decompressionsAttempted, &m.lastDecompressionsAttempted, s.DecompressionsAttempted)
	addDelta(m.promo.decompressionsSucceeded, &m.lastDecompressionsSucceeded, s.DecompressionsSucceeded)
	addDelta(m.promo.decompressionsFailed, &m.lastDecompressionsFailed, s.DecompressionsFailed)
	addDelta(m.promo.decompressionsGzip, &m.lastDecompressionsGzip, s.DecompressionsGzip)
	addDelta(m.promo.decompressionsDeflate, &m.lastDecompressionsDeflate, s.DecompressionsDeflate)
	addDelta(m.promo.decompressionsBrotli, &m.lastDecompressionsBrotli, s.DecompressionsBrotli)
}

func addDelta(c prometheus.Counter, last *int64, current int64) {
	delta := current - *last
	if delta > 0 {
		c.Add(float64(delta))
	}
	*last = current
}
