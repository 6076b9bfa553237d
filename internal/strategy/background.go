package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// backgroundGroup 承载脱离请求生命周期的后台任务（缓存回写、再验证）。
// 任务使用独立的超时上下文，失败只记录日志，永远不会影响已返回的响应。
type backgroundGroup struct {
	wg      sync.WaitGroup
	flight  singleflight.Group
	timeout time.Duration
	logger  *logrus.Logger
}

func newBackgroundGroup(timeout time.Duration, logger *logrus.Logger) *backgroundGroup {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &backgroundGroup{timeout: timeout, logger: logger}
}

// Go 启动一个后台任务。
func (g *backgroundGroup) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(name, fn)
	}()
}

// GoOnce 与 Go 相同，但同一 key 同时只会有一个任务在执行，其余调用复用其结果。
func (g *backgroundGroup) GoOnce(name, key string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_, _, _ = g.flight.Do(key, func() (interface{}, error) {
			g.run(name, fn)
			return nil, nil
		})
	}()
}

// Wait 阻塞直到所有已启动的后台任务结束。
func (g *backgroundGroup) Wait() {
	g.wg.Wait()
}

func (g *backgroundGroup) run(name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil && g.logger != nil {
			g.logger.WithFields(logrus.Fields{
				"action": "background_task",
				"task":   name,
			}).Error(fmt.Sprintf("panic: %v", r))
		}
	}()
	fn(ctx)
}
