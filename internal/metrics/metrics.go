// Package metrics exposes this module's health and progress as Prometheus
// gauges/counters, an ambient concern carried regardless of spec.md's
// Non-goals (SPEC_FULL.md "AMBIENT STACK"). Grounded on the teacher's
// core/system_health_logging.go HealthLogger: a private *prometheus.Registry
// owning a handful of named gauges/counters, recorded on a ticker and served
// over promhttp on a dedicated address.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector owns every metric this node publishes.
type Collector struct {
	lg       *logrus.Entry
	registry *prometheus.Registry

	viewGauge           prometheus.Gauge
	highQcHeightGauge   prometheus.Gauge
	leaderMissCounter   prometheus.Counter
	validatorEvicted    prometheus.Counter
	poolSizeGauge       prometheus.Gauge
	poolStageTransition *prometheus.CounterVec
	syncShardRoot       *prometheus.GaugeVec
	syncRetryCounter    prometheus.Counter
	templateActiveGauge prometheus.Gauge
}

// NewCollector registers every metric against a fresh registry.
func NewCollector(lg *logrus.Logger) *Collector {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		lg:       lg.WithField("component", "metrics"),
		registry: reg,

		viewGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbft_consensus_view",
			Help: "Current HotStuff view number of the local shard group",
		}),
		highQcHeightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbft_high_qc_height",
			Help: "Height of the block justified by the locally-known high QC",
		}),
		leaderMissCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbft_leader_misses_total",
			Help: "Total pacemaker timeouts charged to a leader for failing to propose in time",
		}),
		validatorEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbft_validators_evicted_total",
			Help: "Total validators evicted for exceeding the consecutive-miss threshold",
		}),
		poolSizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbft_txpool_size",
			Help: "Number of transactions currently tracked by the mempool",
		}),
		poolStageTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardbft_txpool_stage_transitions_total",
			Help: "Total mempool record stage transitions, labeled by destination stage",
		}, []string{"stage"}),
		syncShardRoot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardbft_sync_shard_version",
			Help: "Locally-applied substate tree version, labeled by shard",
		}, []string{"shard"}),
		syncRetryCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbft_sync_retries_total",
			Help: "Total sync sessions retried against a different peer after a failure",
		}),
		templateActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardbft_templates_active",
			Help: "Number of templates currently Active or Deprecated in the local registry",
		}),
	}

	reg.MustRegister(
		c.viewGauge,
		c.highQcHeightGauge,
		c.leaderMissCounter,
		c.validatorEvicted,
		c.poolSizeGauge,
		c.poolStageTransition,
		c.syncShardRoot,
		c.syncRetryCounter,
		c.templateActiveGauge,
	)
	return c
}

func (c *Collector) SetView(v uint64)                   { c.viewGauge.Set(float64(v)) }
func (c *Collector) SetHighQcHeight(h uint64)            { c.highQcHeightGauge.Set(float64(h)) }
func (c *Collector) IncLeaderMiss()                      { c.leaderMissCounter.Inc() }
func (c *Collector) IncValidatorEvicted()                { c.validatorEvicted.Inc() }
func (c *Collector) SetPoolSize(n int)                   { c.poolSizeGauge.Set(float64(n)) }
func (c *Collector) IncStageTransition(stage string)     { c.poolStageTransition.WithLabelValues(stage).Inc() }
func (c *Collector) SetSyncShardVersion(shard string, v uint64) {
	c.syncShardRoot.WithLabelValues(shard).Set(float64(v))
}
func (c *Collector) IncSyncRetry()              { c.syncRetryCounter.Inc() }
func (c *Collector) SetTemplatesActive(n int)   { c.templateActiveGauge.Set(float64(n)) }

// StartServer exposes /metrics on addr, returning the *http.Server so the
// caller manages its own shutdown lifecycle.
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.lg.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

func (c *Collector) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}

// PollFunc is invoked on every tick of RunCollector to refresh gauge-style
// metrics that aren't updated event-by-event (pool size, view, high QC
// height). Counters are expected to be incremented directly by their
// owning component.
type PollFunc func(c *Collector)

// RunCollector periodically calls poll until ctx is cancelled, mirroring the
// teacher's HealthLogger.RunMetricsCollector ticker loop.
func (c *Collector) RunCollector(ctx context.Context, interval time.Duration, poll PollFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			poll(c)
		case <-ctx.Done():
			return
		}
	}
}
