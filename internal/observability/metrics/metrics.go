package metrics

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/vault"
)

const namespace = "protego"

// Metrics 聚合金库、收益任务与 HTTP 层的 Prometheus 指标。
type Metrics struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec
	events      *prometheus.CounterVec
	totalAssets prometheus.Gauge
	totalShares prometheus.Gauge
	paused      prometheus.Gauge
	seq         prometheus.Gauge
	harvestJobs *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New 创建指标集合并注册到独立的 Registry。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Vault calls by operation and result code.",
		}, []string{"operation", "code"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operation_duration_seconds",
			Help:      "Vault call latency including collaborator calls.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "events_total",
			Help:      "Committed vault events by name.",
		}, []string{"name"}),
		totalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "total_assets",
			Help:      "Tracked asset total in base units.",
		}),
		totalShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "total_shares",
			Help:      "Outstanding share supply in base units.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "paused",
			Help:      "1 while the vault is paused.",
		}),
		seq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "event_seq",
			Help:      "Sequence number of the last committed event.",
		}),
		harvestJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "harvest",
			Name:      "jobs_total",
			Help:      "Harvest job outcomes by status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations, m.opLatency, m.events,
		m.totalAssets, m.totalShares, m.paused, m.seq,
		m.harvestJobs,
		m.httpRequests, m.httpErrors, m.httpLatency,
	)
	return m
}

// Registry 返回底层 Registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCall 实现 vault.Observer 接口。
func (m *Metrics) ObserveCall(operation string, _ common.Address, err error, elapsed time.Duration) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	m.operations.With(prometheus.Labels{"operation": operation, "code": code}).Inc()
	m.opLatency.With(prometheus.Labels{"operation": operation}).Observe(elapsed.Seconds())
}

// Record 实现 vault.Sink 接口，根据提交后的快照刷新仪表。
func (m *Metrics) Record(_ context.Context, commit vault.Commit) error {
	for _, event := range commit.Events {
		m.events.With(prometheus.Labels{"name": string(event.Name)}).Inc()
	}
	m.SetSnapshot(commit.Snapshot)
	return nil
}

// SetSnapshot 以快照刷新仪表，启动恢复后也会调用。
func (m *Metrics) SetSnapshot(snapshot *vault.Snapshot) {
	if snapshot == nil {
		return
	}
	m.totalAssets.Set(toFloat(snapshot.TotalAssets))
	m.totalShares.Set(toFloat(snapshot.TotalShares))
	if snapshot.State == vault.StatePaused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
	m.seq.Set(float64(snapshot.Seq))
}

// ObserveHarvestJob 记录一次收益任务的结果。
func (m *Metrics) ObserveHarvestJob(status string) {
	m.harvestJobs.With(prometheus.Labels{"status": status}).Inc()
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
