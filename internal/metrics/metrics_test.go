package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsRequests(t *testing.T) {
	r := New()
	r.ObserveRequest("api-data", "network-first", "cache", 5*time.Millisecond)
	r.ObserveRequest("api-data", "network-first", "cache", 7*time.Millisecond)
	r.ObserveRequest("app-shell", "network-first", "network", 3*time.Millisecond)

	if got := testutil.ToFloat64(r.requests.WithLabelValues("api-data", "network-first", "cache")); got != 2 {
		t.Fatalf("expected 2 api cache hits, got %v", got)
	}

	stats := r.LatencyStats()
	if len(stats) != 2 {
		t.Fatalf("expected stats for 2 classes, got %d", len(stats))
	}
	if stats[0].Operation != "api-data" || stats[0].Count != 2 {
		t.Fatalf("unexpected stats: %+v", stats[0])
	}
}

func TestRecorderBucketsDeletedIgnoresZero(t *testing.T) {
	r := New()
	r.BucketsDeleted("migrate", 0)
	r.BucketsDeleted("migrate", 3)
	if got := testutil.ToFloat64(r.bucketsDeleted.WithLabelValues("migrate")); got != 3 {
		t.Fatalf("expected 3 deletions, got %v", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveRequest("x", "y", "z", time.Millisecond)
	r.CacheWrite("shell", "stored")
	r.Revalidation("ok")
	r.BucketsDeleted("clear", 1)
	r.Precache("ok")
	if r.LatencyStats() != nil || r.Registry() != nil {
		t.Fatalf("nil recorder should return nil values")
	}
}

func TestLatencyTrackerUnknownOperation(t *testing.T) {
	lt := NewLatencyTracker(0.01)
	if _, err := lt.GetStats("missing"); err == nil {
		t.Fatalf("expected error for unknown operation")
	}
}
