package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/logging"
	"github.com/murajaah/murajaah-cache/internal/metrics"
)

// ErrNoWaitingController 表示 SKIP_WAITING 时没有处于等待状态的版本。
var ErrNoWaitingController = errors.New("no waiting controller")

// ErrNoController 表示尚未有任何版本完成安装。
var ErrNoController = errors.New("no controller registered")

// Registration 持有当前控制请求的 Controller 以及等待激活的 Controller。
// active 使用原子指针，请求路径无需加锁即可拿到最新版本。
type Registration struct {
	active  atomic.Pointer[Controller]
	mu      sync.Mutex
	waiting *Controller
	// retired 是已被替换、后台任务可能尚未结束的版本，Wait 时一并等待。
	retired []*Controller
	logger  *logrus.Logger
	metrics *metrics.Recorder
}

// NewRegistration 创建空的 Registration。
func NewRegistration(logger *logrus.Logger, recorder *metrics.Recorder) *Registration {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{logger: logger, metrics: recorder}
}

// Active 返回当前控制请求的 Controller，可能为 nil。
func (r *Registration) Active() *Controller {
	return r.active.Load()
}

// Waiting 返回等待激活的 Controller，可能为 nil。
func (r *Registration) Waiting() *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Register 安装新版本。skipWaiting 为真或尚无激活版本时立即激活并接管请求，
// 否则进入等待，直到收到 SKIP_WAITING。
func (r *Registration) Register(ctx context.Context, c *Controller, skipWaiting bool) (*InstallReport, error) {
	report, err := c.Install(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiting != nil && r.waiting != c {
		r.retireLocked(r.waiting)
		r.waiting = nil
	}
	if skipWaiting || r.active.Load() == nil {
		if err := r.activateLocked(ctx, c); err != nil {
			return report, err
		}
		return report, nil
	}

	r.waiting = c
	r.logger.WithFields(c.fields("waiting")).Info("controller_waiting")
	return report, nil
}

// SkipWaiting 立即激活等待中的版本。
func (r *Registration) SkipWaiting(ctx context.Context) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.waiting
	if c == nil {
		return nil, ErrNoWaitingController
	}
	r.waiting = nil
	if err := r.activateLocked(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ClearCache 删除应用命名空间下的全部 bucket，不区分 generation。
func (r *Registration) ClearCache(ctx context.Context) ([]string, error) {
	c := r.Active()
	if c == nil {
		c = r.Waiting()
	}
	if c == nil {
		return nil, ErrNoController
	}
	deleted, err := c.manager.ClearNamespace(ctx)
	r.metrics.BucketsDeleted("clear", len(deleted))
	entry := r.logger.WithFields(logrus.Fields{
		"action":    "clear_cache",
		"namespace": c.manager.Namespace(),
		"deleted":   deleted,
	})
	if err != nil {
		entry.WithError(err).Warn("clear_cache_partial")
		return deleted, err
	}
	entry.Info("clear_cache_completed")
	return deleted, nil
}

// Wait 等待所有 Controller 的后台任务结束，用于停机。
func (r *Registration) Wait() {
	r.mu.Lock()
	controllers := append([]*Controller(nil), r.retired...)
	if r.waiting != nil {
		controllers = append(controllers, r.waiting)
	}
	r.mu.Unlock()
	if c := r.Active(); c != nil {
		controllers = append(controllers, c)
	}

	for _, c := range controllers {
		c.executor.Wait()
	}

	r.mu.Lock()
	remaining := r.retired[:0]
	for _, c := range r.retired {
		if !containsController(controllers, c) {
			remaining = append(remaining, c)
		}
	}
	r.retired = remaining
	r.mu.Unlock()
}

// Retired 返回已被替换但尚未在 Wait 中回收的版本。
func (r *Registration) Retired() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Controller(nil), r.retired...)
}

func containsController(list []*Controller, c *Controller) bool {
	for _, item := range list {
		if item == c {
			return true
		}
	}
	return false
}

// retireLocked 停止旧版本的缓存读写并记录下来，停机时等待其后台任务。
func (r *Registration) retireLocked(c *Controller) {
	c.markRedundant()
	r.retired = append(r.retired, c)
}

// activateLocked 先迁移 generation，再原子替换 active 完成接管。迁移错误只记录。
func (r *Registration) activateLocked(ctx context.Context, c *Controller) error {
	if state := c.State(); state != StateInstalled {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, state, StateActivating)
	}
	// 旧版本在迁移前停止写入，迁移删除的 bucket 不会被其后台任务重新创建。
	previous := r.active.Load()
	if previous != nil && previous != c {
		previous.executor.Retire()
	}
	if _, err := c.Activate(ctx); err != nil && !isMigrateOnly(err) {
		return err
	}
	r.active.Store(c)
	if previous != nil && previous != c {
		r.retireLocked(previous)
	}
	r.logger.WithFields(c.fields("claim")).Info("controller_claimed_clients")
	return nil
}

func isMigrateOnly(err error) bool {
	return !errors.Is(err, errInvalidTransition)
}
