// Prometheus view of the expvar stats.

package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/tinode/swarmagg/server/logs"
)

const defaultMetricsNamespace = "swarmagg"

type metricDef struct {
	// Name of the expvar variable.
	varname   string
	valueType prometheus.ValueType
	desc      *prometheus.Desc
}

// statsCollector exports expvar variables as Prometheus metrics.
type statsCollector struct {
	info    *prometheus.Desc
	metrics []metricDef
	latency *prometheus.Desc
}

func newStatsCollector(namespace string) *statsCollector {
	if namespace == "" {
		namespace = defaultMetricsNamespace
	}

	def := func(varname string, valueType prometheus.ValueType, name, help string) metricDef {
		return metricDef{
			varname:   varname,
			valueType: valueType,
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		}
	}

	return &statsCollector{
		info: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "build_info"),
			"Version of this instance.",
			[]string{"version", "revision", "goversion"},
			nil,
		),
		metrics: []metricDef{
			def("LiveTopics", prometheus.GaugeValue, "topics_live_count", "Number of topics in memory."),
			def("TotalTopics", prometheus.CounterValue, "topics_total", "Total number of topics created since start."),
			def("IncomingMessages", prometheus.CounterValue, "messages_incoming_total", "Messages received from the GSOC channel."),
			def("DuplicateMessages", prometheus.CounterValue, "messages_duplicate_total", "Messages dropped as duplicates."),
			def("MalformedMessages", prometheus.CounterValue, "messages_malformed_total", "Messages dropped as invalid."),
			def("DroppedMessages", prometheus.CounterValue, "messages_dropped_total", "Valid messages which were never written."),
			def("FeedWrites", prometheus.CounterValue, "feed_writes_total", "Successful feed writes."),
			def("FeedWriteErrors", prometheus.CounterValue, "feed_write_errors_total", "Failed feed writes."),
			def("TopicInitErrors", prometheus.CounterValue, "topic_init_errors_total", "Failed topic recoveries."),
			def("StateChunks", prometheus.CounterValue, "state_chunks_total", "History chunks started after the size limit was reached."),
			def("ReapedTopics", prometheus.CounterValue, "topics_reaped_total", "Idle topics removed from memory."),
			def("RoutedWrites", prometheus.CounterValue, "routed_writes_total", "Writes sent to a private writer node."),
		},
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "feed_write_latency_ms"),
			"Latency of feed writes including the history upload, in milliseconds.",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	for _, m := range c.metrics {
		ch <- m.desc
	}
	ch <- c.latency
}

// Collect implements prometheus.Collector.
func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
		version.Version, version.Revision, version.GoVersion)

	ints, hists := statsValues()
	for _, m := range c.metrics {
		if v, ok := ints[m.varname]; ok {
			ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, float64(v))
		}
	}

	if h, ok := hists["FeedWriteLatency"]; ok {
		ch <- prometheus.MustNewConstHistogram(c.latency, uint64(h.Count), h.Sum, cumulativeBuckets(&h))
	}
}

// cumulativeBuckets converts per-bucket counts into Prometheus' cumulative form.
// The overflow bucket is implied by the total count.
func cumulativeBuckets(h *histogramData) map[float64]uint64 {
	buckets := make(map[float64]uint64, len(h.Bounds))
	var total uint64
	for i, bound := range h.Bounds {
		if i < len(h.CountPerBucket) {
			total += uint64(h.CountPerBucket[i])
		}
		buckets[bound] = total
	}
	return buckets
}

type promHTTPLogger struct{}

func (l *promHTTPLogger) Println(v ...interface{}) {
	logs.Error.Println(v...)
}

// metricsInit exposes Prometheus metrics at the given path.
func metricsInit(mux *http.ServeMux, path, namespace string, timeout time.Duration) {
	if path == "" || path == "-" {
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newStatsCollector(namespace))
	mux.Handle(path,
		promhttp.InstrumentMetricHandler(
			registry,
			promhttp.HandlerFor(
				registry,
				promhttp.HandlerOpts{
					ErrorLog: &promHTTPLogger{},
					Timeout:  timeout,
				},
			),
		),
	)

	logs.Info.Printf("metrics: exposed at '%s', %s", path, version.Info())
}
