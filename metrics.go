package vmi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blacktop/go-vmi/internal/metrics"
)

// Metrics provides access to the operation counters of every driver in the process.
type Metrics struct {
	PauseRequests    uint64 `json:"pause_requests"`
	PauseAcks        uint64 `json:"pause_acks"`
	EventsDelivered  uint64 `json:"events_delivered"`
	EventsReplied    uint64 `json:"events_replied"`
	ListenTimeouts   uint64 `json:"listen_timeouts"`
	PhysicalReads    uint64 `json:"physical_reads"`
	BytesRead        uint64 `json:"bytes_read"`
	RegisterOps      uint64 `json:"register_operations"`
	InterceptToggles uint64 `json:"intercept_toggles"`
	AvgListenTimeNs  uint64 `json:"avg_listen_time_ns"`
	BackendErrors    uint64 `json:"backend_errors"`
	DesyncErrors     uint64 `json:"desync_errors"`
}

// GetMetrics returns current operation metrics
func GetMetrics() Metrics {
	s := metrics.Load()

	var avgListen uint64
	if s.ListenCalls > 0 {
		avgListen = s.TotalListenNs / s.ListenCalls
	}

	return Metrics{
		PauseRequests:    s.PauseRequests,
		PauseAcks:        s.PauseAcks,
		EventsDelivered:  s.EventsDelivered,
		EventsReplied:    s.EventsReplied,
		ListenTimeouts:   s.ListenTimeouts,
		PhysicalReads:    s.PhysicalReads,
		BytesRead:        s.BytesRead,
		RegisterOps:      s.RegisterOps,
		InterceptToggles: s.InterceptToggles,
		AvgListenTimeNs:  avgListen,
		BackendErrors:    s.BackendErrors,
		DesyncErrors:     s.DesyncErrors,
	}
}

// ResetMetrics clears all operation metrics
func ResetMetrics() {
	metrics.Reset()
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(metrics.Snapshot) uint64
}

type collector struct {
	counters []counterDesc
}

func newCounter(name, help string, value func(metrics.Snapshot) uint64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName("vmi", "", name+"_total"), help, nil, nil),
		value: value,
	}
}

// NewCollector returns a prometheus.Collector exporting the operation
// counters. Registering and serving it is left to the caller.
func NewCollector() prometheus.Collector {
	return &collector{counters: []counterDesc{
		newCounter("pause_requests", "Backend-level pause requests issued.",
			func(s metrics.Snapshot) uint64 { return s.PauseRequests }),
		newCounter("pause_acks", "Pause acknowledgement events drained by resume.",
			func(s metrics.Snapshot) uint64 { return s.PauseAcks }),
		newCounter("events_delivered", "Intercepted events returned by listen.",
			func(s metrics.Snapshot) uint64 { return s.EventsDelivered }),
		newCounter("events_replied", "Events disposed of by reply_event.",
			func(s metrics.Snapshot) uint64 { return s.EventsReplied }),
		newCounter("listen_timeouts", "Listen calls that returned without an event.",
			func(s metrics.Snapshot) uint64 { return s.ListenTimeouts }),
		newCounter("physical_reads", "Physical memory read operations.",
			func(s metrics.Snapshot) uint64 { return s.PhysicalReads }),
		newCounter("physical_read_bytes", "Bytes of physical memory read.",
			func(s metrics.Snapshot) uint64 { return s.BytesRead }),
		newCounter("register_operations", "Register reads and writes.",
			func(s metrics.Snapshot) uint64 { return s.RegisterOps }),
		newCounter("intercept_toggles", "Intercept enable/disable requests.",
			func(s metrics.Snapshot) uint64 { return s.InterceptToggles }),
		newCounter("backend_errors", "Native backend calls that failed.",
			func(s metrics.Snapshot) uint64 { return s.BackendErrors }),
		newCounter("desync_errors", "Protocol desynchronizations detected.",
			func(s metrics.Snapshot) uint64 { return s.DesyncErrors }),
	}}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := metrics.Load()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(s)))
	}
}
