// Package metrics 汇总缓存策略相关的 Prometheus 指标与 DDSketch 延迟分位数。
// 所有方法在 *Recorder 为 nil 时均为空操作，便于测试中省略。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "murajaah"

// Recorder 持有独立的 prometheus.Registry，避免测试之间互相污染全局注册表。
type Recorder struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	cacheWrites    *prometheus.CounterVec
	revalidations  *prometheus.CounterVec
	bucketsDeleted *prometheus.CounterVec
	precache       *prometheus.CounterVec
	latency        *LatencyTracker
}

// New 创建并注册全部指标。
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route class, strategy and cache outcome.",
		}, []string{"class", "strategy", "outcome"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache write attempts by bucket role and result.",
		}, []string{"role", "result"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_revalidations_total",
			Help:      "Background revalidation attempts by result.",
		}, []string{"result"}),
		bucketsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_deleted_total",
			Help:      "Buckets deleted by reason.",
		}, []string{"reason"}),
		precache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_fetches_total",
			Help:      "Install-time precache fetches by result.",
		}, []string{"result"}),
		latency: NewLatencyTracker(0.01),
	}

	r.registry.MustRegister(
		r.requests,
		r.cacheWrites,
		r.revalidations,
		r.bucketsDeleted,
		r.precache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry 返回用于 /-/metrics 暴露的注册表。
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest 记录一次请求及其耗时。
func (r *Recorder) ObserveRequest(class, strategy, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(class, strategy, outcome).Inc()
	r.latency.Record(class, elapsed)
}

// CacheWrite 记录一次写入决策，result 取 stored/failed/skipped_*。
func (r *Recorder) CacheWrite(role, result string) {
	if r == nil {
		return
	}
	r.cacheWrites.WithLabelValues(role, result).Inc()
}

// Revalidation 记录后台再验证结果。
func (r *Recorder) Revalidation(result string) {
	if r == nil {
		return
	}
	r.revalidations.WithLabelValues(result).Inc()
}

// BucketsDeleted 记录 bucket 删除数量，reason 取 migrate/clear。
func (r *Recorder) BucketsDeleted(reason string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.bucketsDeleted.WithLabelValues(reason).Add(float64(n))
}

// Precache 记录安装阶段单个 URL 的抓取结果。
func (r *Recorder) Precache(result string) {
	if r == nil {
		return
	}
	r.precache.WithLabelValues(result).Inc()
}

// LatencyStats 返回各路由类别的延迟分位数。
func (r *Recorder) LatencyStats() []Stats {
	if r == nil {
		return nil
	}
	return r.latency.GetAllStats()
}
