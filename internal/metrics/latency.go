package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker 按路由类别维护 DDSketch，用于输出延迟分位数。
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker 创建 tracker，relativeAccuracy 为分位数的相对误差（0.01 即 1%）。
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record 以毫秒记录一次耗时。
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	_ = sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Stats 是单个操作的分位数摘要，单位毫秒。
type Stats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// GetStats 返回单个类别的统计。
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

// GetAllStats 返回全部类别的统计，按名称排序。
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ops := make([]string, 0, len(lt.sketches))
	for op := range lt.sketches {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	stats := make([]Stats, 0, len(ops))
	for _, op := range ops {
		if stat, err := lt.statsLocked(op); err == nil {
			stats = append(stats, stat)
		}
	}
	return stats
}

func (lt *LatencyTracker) statsLocked(operation string) (Stats, error) {
	sketch, exists := lt.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       max,
	}, nil
}
