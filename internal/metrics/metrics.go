// Package metrics exposes a Prometheus /metrics surface over the
// process-wide stats methods C7/C8/C9/C10 already carry (spec.md §4.7
// Controller.Active/SlotInfo, §4.8 Queue.Len, §4.9 Service.Registry,
// §4.10 Scheduler.Registry): queue depth, active transfers, and slot
// utilization per job, plus the recovery/scheduler counters bridged
// from their own go-metrics registries.
//
// The teacher exposes Prometheus metrics through its GUI/API layer
// (lib/api), which spec.md §1 places out of scope ("The HTTP/UI
// layer"). A bare /metrics endpoint carries none of that layer's
// job/server CRUD or dashboards, so it stays in scope as the ambient
// observability surface spec.md's BIND_PORT env var names.
package metrics

import (
	"context"
	"net/http"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foldersync/foldersyncd/internal/concurrency"
	"github.com/foldersync/foldersyncd/internal/copydriver"
	"github.com/foldersync/foldersyncd/internal/store"
	"github.com/foldersync/foldersyncd/internal/txqueue"
)

// Registries is anything exposing a go-metrics registry of counters to
// bridge into Prometheus (recovery.Service and scheduler.Scheduler
// both satisfy this).
type Registries interface {
	Registry() gometrics.Registry
}

// Collector samples the engine's components on an interval and
// publishes them as Prometheus gauges.
type Collector struct {
	store  store.Store
	queue  *txqueue.Queue
	conc   *concurrency.Controller
	driver *copydriver.Driver
	regs   []Registries

	reg *prometheus.Registry

	queueDepth      prometheus.Gauge
	activeTransfers prometheus.Gauge
	slotsInUse      *prometheus.GaugeVec
	bridged         map[string]prometheus.Gauge
}

// New builds a Collector wired to the components named in spec.md
// §4.11's payload shapes: queue depth (C8), active transfers (C5),
// and per-job slot utilization (C7). regs are bridged verbatim as
// gauges named go_metrics_<registry metric name>.
func New(st store.Store, queue *txqueue.Queue, conc *concurrency.Controller, driver *copydriver.Driver, regs ...Registries) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		store:  st,
		queue:  queue,
		conc:   conc,
		driver: driver,
		regs:   regs,
		reg:    reg,
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foldersyncd_queue_depth",
			Help: "Number of items currently held in the in-memory transfer queue view.",
		}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foldersyncd_active_transfers",
			Help: "Number of copy-tool subprocesses the Copy Driver currently considers live.",
		}),
		slotsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foldersyncd_job_slots_in_use",
			Help: "Concurrency slots currently held per job.",
		}, []string{"job_id"}),
		bridged: make(map[string]prometheus.Gauge),
	}
	reg.MustRegister(c.queueDepth, c.activeTransfers, c.slotsInUse)
	return c
}

// Handler returns the http.Handler to mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// sample updates every gauge from the components' current state.
func (c *Collector) sample() {
	c.queueDepth.Set(float64(c.queue.Len()))
	c.activeTransfers.Set(float64(len(c.driver.ListActive())))

	if jobs, err := c.store.Jobs().List(); err == nil {
		for _, j := range jobs {
			c.slotsInUse.WithLabelValues(j.ID).Set(float64(c.conc.Active(j.ID)))
		}
	}

	for _, r := range c.regs {
		r.Registry().Each(func(name string, i any) {
			g, ok := c.bridged[name]
			if !ok {
				g = prometheus.NewGauge(prometheus.GaugeOpts{
					Name: "foldersyncd_" + sanitize(name),
					Help: "Bridged go-metrics counter " + name + ".",
				})
				c.reg.MustRegister(g)
				c.bridged[name] = g
			}
			if counter, ok := i.(gometrics.Counter); ok {
				g.Set(float64(counter.Count()))
			}
		})
	}
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			out[i] = ch
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Run samples on a 10s interval until ctx is cancelled. The engine's
// metricsService, the suture.Service for /metrics, runs it alongside
// the HTTP listener.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	c.sample()
	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
