// Package metrics exposes the Prometheus metrics surface for the daemon:
// pool pressure, cache hit rate, sync queue depth, and S3 request latency.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus registry and every counter/gauge/histogram
// Vaulthalla's subsystems publish to.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheHitCounter   *prometheus.CounterVec
	cacheSizeGauge    *prometheus.GaugeVec

	poolActive  *prometheus.GaugeVec
	poolQueued  *prometheus.GaugeVec
	poolStolen  *prometheus.CounterVec
	syncQueue   *prometheus.GaugeVec
	syncErrors  *prometheus.CounterVec
	s3Latency   *prometheus.HistogramVec
	breakerOpen *prometheus.GaugeVec

	errorCounter *prometheus.CounterVec

	server *http.Server
}

// Config configures the metrics HTTP endpoint.
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// DefaultConfig returns the daemon's out-of-the-box metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Port:           9090,
		Path:           "/metrics",
		Namespace:      "vaulthalla",
		UpdateInterval: 30 * time.Second,
		Labels:         make(map[string]string),
	}
}

// NewCollector builds a Collector and registers its metrics with a fresh
// Prometheus registry. A disabled config returns a no-op Collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return c, nil
}

// Start begins serving /metrics on the configured port.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the metrics HTTP server down gracefully.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records a vault operation's latency and outcome.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if !success {
		c.errorCounter.With(prometheus.Labels{"operation": operation}).Inc()
	}
}

// RecordCacheHit/RecordCacheMiss feed the per-vault hit/miss request counter.
func (c *Collector) RecordCacheHit(vaultID string)  { c.recordCache(vaultID, "hit") }
func (c *Collector) RecordCacheMiss(vaultID string) { c.recordCache(vaultID, "miss") }

func (c *Collector) recordCache(vaultID, kind string) {
	if !c.config.Enabled {
		return
	}
	c.cacheHitCounter.With(prometheus.Labels{"vault": vaultID, "type": kind}).Inc()
}

// UpdateCacheSize reports the cached byte footprint for a vault.
func (c *Collector) UpdateCacheSize(vaultID string, bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheSizeGauge.With(prometheus.Labels{"vault": vaultID}).Set(float64(bytes))
}

// UpdatePoolPressure reports a named pool's active and queued task counts
// (spec §4.1 adaptive rebalancing feeds on exactly these two numbers).
func (c *Collector) UpdatePoolPressure(pool string, active, queued int) {
	if !c.config.Enabled {
		return
	}
	c.poolActive.With(prometheus.Labels{"pool": pool}).Set(float64(active))
	c.poolQueued.With(prometheus.Labels{"pool": pool}).Set(float64(queued))
}

// RecordWorkSteal counts one worker handle moved into toPool, adopted
// from the idle reserve (fromPool "reserve") or donated by another pool.
func (c *Collector) RecordWorkSteal(fromPool, toPool string) {
	if !c.config.Enabled {
		return
	}
	c.poolStolen.With(prometheus.Labels{"from": fromPool, "to": toPool}).Inc()
}

// UpdateSyncQueueDepth reports the per-vault outstanding sync item count.
func (c *Collector) UpdateSyncQueueDepth(vaultID string, depth int) {
	if !c.config.Enabled {
		return
	}
	c.syncQueue.With(prometheus.Labels{"vault": vaultID}).Set(float64(depth))
}

// RecordSyncError counts a sync-controller failure for a vault.
func (c *Collector) RecordSyncError(vaultID, reason string) {
	if !c.config.Enabled {
		return
	}
	c.syncErrors.With(prometheus.Labels{"vault": vaultID, "reason": reason}).Inc()
}

// RecordS3Request records latency for a single signed S3 call.
func (c *Collector) RecordS3Request(method string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.s3Latency.With(prometheus.Labels{"method": method}).Observe(duration.Seconds())
}

// UpdateBreakerState reports a vault's circuit breaker state as 0/1/2
// (closed/open/half-open) so it can be graphed alongside sync queue depth.
func (c *Collector) UpdateBreakerState(vaultID string, state int) {
	if !c.config.Enabled {
		return
	}
	c.breakerOpen.With(prometheus.Labels{"vault": vaultID}).Set(float64(state))
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "vault_operations_total", Help: "Total vault filesystem operations.",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "vault_operation_duration_seconds", Help: "Vault operation latency.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"operation"})

	c.cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_requests_total", Help: "Cache hit/miss counts per vault.",
	}, []string{"vault", "type"})

	c.cacheSizeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "cache_bytes", Help: "Cached bytes resident per vault.",
	}, []string{"vault"})

	c.poolActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "pool_active_workers", Help: "Active workers per thread pool.",
	}, []string{"pool"})

	c.poolQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "pool_queued_tasks", Help: "Queued tasks per thread pool.",
	}, []string{"pool"})

	c.poolStolen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "pool_work_stolen_total", Help: "Worker handles moved into a pool from the idle reserve or another pool.",
	}, []string{"from", "to"})

	c.syncQueue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "sync_queue_depth", Help: "Outstanding sync items per vault.",
	}, []string{"vault"})

	c.syncErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "sync_errors_total", Help: "Sync controller failures per vault.",
	}, []string{"vault", "reason"})

	c.s3Latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "s3_request_duration_seconds", Help: "Signed S3 request latency.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"method"})

	c.breakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "sync_circuit_breaker_state", Help: "0=closed 1=open 2=half-open, per vault.",
	}, []string{"vault"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "errors_total", Help: "Errors by operation.",
	}, []string{"operation"})
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter, c.operationDuration,
		c.cacheHitCounter, c.cacheSizeGauge,
		c.poolActive, c.poolQueued, c.poolStolen,
		c.syncQueue, c.syncErrors, c.s3Latency, c.breakerOpen,
		c.errorCounter,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}
