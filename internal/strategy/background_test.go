package strategy

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestBackgroundGroupDedupesByKey(t *testing.T) {
	g := newBackgroundGroup(time.Second, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	g.GoOnce("revalidate", "k", func(ctx context.Context) {
		runs.Add(1)
		close(started)
		<-release
	})
	<-started
	for i := 0; i < 3; i++ {
		g.GoOnce("revalidate", "k", func(ctx context.Context) { runs.Add(1) })
	}
	// 等待重复调用进入 singleflight 后再放行首个任务。
	time.Sleep(20 * time.Millisecond)
	close(release)
	g.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected a single run per key, got %d", got)
	}
}

func TestBackgroundGroupRecoversPanic(t *testing.T) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	g := newBackgroundGroup(time.Second, logger)
	g.Go("store", func(context.Context) { panic("disk gone") })
	g.Wait()

	if !strings.Contains(buf.String(), "disk gone") {
		t.Fatalf("expected panic to be logged, got %s", buf.String())
	}
}

func TestBackgroundGroupAppliesTimeout(t *testing.T) {
	g := newBackgroundGroup(10*time.Millisecond, nil)
	var expired atomic.Bool
	g.Go("store", func(ctx context.Context) {
		<-ctx.Done()
		expired.Store(true)
	})
	g.Wait()
	if !expired.Load() {
		t.Fatalf("background context should expire")
	}
}
