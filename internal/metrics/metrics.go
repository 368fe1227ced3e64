// Package metrics exposes kernel health as Prometheus gauges, following
// the registry-struct pattern used by ffromani-dra-driver-memory: a single
// struct holds every named metric, constructed once and threaded into the
// components that update it (no package-level registry).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the kernel core's gauges; HeapBytesUsed is registered
// but no component sets it. Nothing in this
// package talks to an HTTP exporter; wiring a /metrics endpoint is a
// host-tooling concern left to callers (e.g. a future cmd/exosd).
type Registry struct {
	FramesFree     prometheus.Gauge
	FramesUsed     prometheus.Gauge
	HeapBytesUsed  *prometheus.GaugeVec // labeled by process id
	TasksByState   *prometheus.GaugeVec // labeled by task state name
	RegionCount    *prometheus.GaugeVec // labeled by process id
}

// NewRegistry constructs and registers every gauge against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		FramesFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exos",
			Subsystem: "memory",
			Name:      "frames_free",
			Help:      "Number of free 4 KiB physical page frames.",
		}),
		FramesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exos",
			Subsystem: "memory",
			Name:      "frames_used",
			Help:      "Number of used 4 KiB physical page frames.",
		}),
		HeapBytesUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exos",
			Subsystem: "heap",
			Name:      "bytes_used",
			Help:      "Bytes currently allocated from a process heap.",
		}, []string{"process_id"}),
		TasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exos",
			Subsystem: "scheduler",
			Name:      "tasks",
			Help:      "Number of tasks currently in each state.",
		}, []string{"state"}),
		RegionCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exos",
			Subsystem: "memory",
			Name:      "regions",
			Help:      "Number of regions reserved in an address space.",
		}, []string{"process_id"}),
	}

	reg.MustRegister(r.FramesFree, r.FramesUsed, r.HeapBytesUsed, r.TasksByState, r.RegionCount)
	return r
}

// NewUnregistered builds a Registry against a fresh, private
// prometheus.Registry -- convenient for unit tests that don't want to
// collide with the global default registerer.
func NewUnregistered() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
