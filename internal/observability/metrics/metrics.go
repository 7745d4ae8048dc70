// Package metrics holds the robot's Prometheus collectors.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"postrobot/internal/eventbus"
)

var ActivityTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "robot_activity_total",
		Help: "Activity entries recorded, by type and source",
	},
	[]string{"type", "source"},
)

var PublishDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "robot_publish_duration_seconds",
		Help:    "Duration of publish calls to the content service",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
	},
	[]string{"outcome"},
)

var TickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "robot_tick_duration_seconds",
		Help:    "Duration of one scheduler pass over all tenants",
		Buckets: prometheus.DefBuckets,
	},
)

var TenantsGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "robot_tenants",
		Help: "Tenants by scheduler status after the last tick",
	},
	[]string{"status"},
)

var ExternalAPIFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "robot_external_api_failure_total",
		Help: "Failed calls to the content service",
	},
	[]string{"service"},
)

var ExternalAPIDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "robot_external_api_duration_seconds",
		Help:    "Duration of content service calls in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"service"},
)

var EventsDroppedTotal = prometheus.NewCounterFunc(
	prometheus.CounterOpts{
		Name: "robot_events_dropped_total",
		Help: "Events lost to slow in-process listeners",
	},
	func() float64 { return float64(droppedFn()) },
)

var (
	registerOnce sync.Once
	droppedMu    sync.Mutex
	dropped      func() uint64
)

func droppedFn() uint64 {
	droppedMu.Lock()
	defer droppedMu.Unlock()
	if dropped == nil {
		return 0
	}
	return dropped()
}

// Init registers every collector with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ActivityTotal)
		prometheus.MustRegister(PublishDuration)
		prometheus.MustRegister(TickDuration)
		prometheus.MustRegister(TenantsGauge)
		prometheus.MustRegister(ExternalAPIFailureTotal)
		prometheus.MustRegister(ExternalAPIDuration)
		prometheus.MustRegister(EventsDroppedTotal)
	})
}

// ActivityEvent is the subset of an activity entry the counters need. The
// activity package's Entry satisfies it.
type ActivityEvent interface {
	Labels() (typ, source string)
}

// Watch counts activity and tick events from bus until ctx ends.
func Watch(ctx context.Context, bus eventbus.Bus) {
	droppedMu.Lock()
	dropped = bus.Dropped
	droppedMu.Unlock()

	ch, unsub := bus.Subscribe(256, eventbus.TypeActivity, eventbus.TypeTick)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch d := ev.Data.(type) {
			case ActivityEvent:
				typ, src := d.Labels()
				ActivityTotal.WithLabelValues(typ, src).Inc()
			case eventbus.TickStats:
				TickDuration.Observe(d.Took.Seconds())
			}
		}
	}
}
