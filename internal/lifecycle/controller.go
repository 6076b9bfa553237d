// Package lifecycle 管理一个部署版本（generation）从安装、等待到激活的完整过程，
// 并通过 Registration 决定当前由哪个 Controller 处理请求。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/generation"
	"github.com/murajaah/murajaah-cache/internal/logging"
	"github.com/murajaah/murajaah-cache/internal/metrics"
	"github.com/murajaah/murajaah-cache/internal/policy"
	"github.com/murajaah/murajaah-cache/internal/strategy"
)

// State 是 Controller 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
	StateFailed     State = "failed"
)

const defaultInstallConcurrency = 4

var (
	errInvalidTransition = errors.New("invalid lifecycle transition")
	// errPrecacheSkipped 表示响应不满足写入规则（opaque、key 过长等），按失败记入报告。
	errPrecacheSkipped = errors.New("precache skipped")
)

// Options 描述构建 Controller 所需的依赖。
type Options struct {
	ID             string
	Manager        *generation.Manager
	Classifier     *policy.Classifier
	Executor       *strategy.Executor
	Fetcher        strategy.Fetcher
	Origin         *url.URL
	Precache       []string
	PinnedURLs     []string
	MaxRetries     int
	InitialBackoff time.Duration
	Concurrency    int
	Logger         *logrus.Logger
	Metrics        *metrics.Recorder
}

// PrecacheFailure 记录单个预缓存地址的失败原因。
type PrecacheFailure struct {
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error"`
}

// InstallReport 汇总安装结果；部分失败不会让安装失败。
type InstallReport struct {
	Stored []string          `json:"stored"`
	Failed []PrecacheFailure `json:"failed,omitempty"`
}

// Partial 表示至少一个预缓存地址失败。
func (r *InstallReport) Partial() bool {
	return r != nil && len(r.Failed) > 0
}

// Controller 对应一个部署版本，持有该版本的分类器、执行器与 generation。
type Controller struct {
	id         string
	manager    *generation.Manager
	classifier *policy.Classifier
	executor   *strategy.Executor
	fetcher    strategy.Fetcher
	origin     *url.URL
	precache   []string
	pinned     []string
	retries    int
	backoff    time.Duration
	workers    int
	logger     *logrus.Logger
	metrics    *metrics.Recorder

	mu          sync.RWMutex
	state       State
	report      *InstallReport
	installedAt time.Time
	activatedAt time.Time
}

// NewController 校验依赖并返回处于 parsed 状态的 Controller。
func NewController(opts Options) (*Controller, error) {
	if opts.Manager == nil {
		return nil, errors.New("generation manager required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("classifier required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = defaultInstallConcurrency
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Controller{
		id:         id,
		manager:    opts.Manager,
		classifier: opts.Classifier,
		executor:   opts.Executor,
		fetcher:    opts.Fetcher,
		origin:     opts.Origin,
		precache:   append([]string(nil), opts.Precache...),
		pinned:     append([]string(nil), opts.PinnedURLs...),
		retries:    retries,
		backoff:    opts.InitialBackoff,
		workers:    workers,
		logger:     logger,
		metrics:    opts.Metrics,
		state:      StateParsed,
	}, nil
}

// ID 返回 Controller 唯一标识。
func (c *Controller) ID() string { return c.id }

// Manager 返回该版本的 generation 管理器。
func (c *Controller) Manager() *generation.Manager { return c.manager }

// Executor 返回该版本的策略执行器。
func (c *Controller) Executor() *strategy.Executor { return c.executor }

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Report 返回最近一次安装报告。
func (c *Controller) Report() *InstallReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// Classify 根据该版本的规则对请求分类。
func (c *Controller) Classify(req *strategy.Request) policy.Route {
	return c.classifier.Classify(req.Policy())
}

// Handle 分类并执行策略，是每个被拦截请求的入口。
func (c *Controller) Handle(ctx context.Context, req *strategy.Request) (policy.Route, *strategy.Result, error) {
	route := c.Classify(req)
	result, err := c.executor.Execute(ctx, route, req)
	return route, result, err
}

// Install 打开 shell bucket 并预缓存资源；单个地址失败只记录到报告中。
func (c *Controller) Install(ctx context.Context) (*InstallReport, error) {
	if err := c.transition(StateInstalling, StateParsed); err != nil {
		return nil, err
	}
	fields := c.fields("install")
	c.logger.WithFields(fields).Info("controller_installing")

	report, err := c.populate(ctx)
	if err != nil {
		c.setState(StateFailed)
		c.logger.WithFields(fields).WithError(err).Error("controller_install_failed")
		return nil, err
	}

	c.mu.Lock()
	c.state = StateInstalled
	c.report = report
	c.installedAt = time.Now().UTC()
	c.mu.Unlock()

	entry := c.logger.WithFields(fields).WithField("stored", len(report.Stored))
	if report.Partial() {
		entry.WithField("failed", len(report.Failed)).Warn("controller_installed_partial")
	} else {
		entry.Info("controller_installed")
	}
	return report, nil
}

// Activate 删除所有非当前 generation 的 bucket。接管客户端由 Registration 完成。
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	if err := c.transition(StateActivating, StateInstalled); err != nil {
		return nil, err
	}
	deleted, err := c.manager.Migrate(ctx)
	c.metrics.BucketsDeleted("migrate", len(deleted))
	fields := c.fields("activate")
	fields["deleted"] = deleted
	if err != nil {
		// 迁移失败不阻止激活，残留 bucket 会在下次激活时再删除。
		c.logger.WithFields(fields).WithError(err).Warn("controller_migrate_failed")
	}

	c.mu.Lock()
	c.state = StateActivated
	c.activatedAt = time.Now().UTC()
	c.mu.Unlock()

	c.logger.WithFields(fields).Info("controller_activated")
	return deleted, err
}

func (c *Controller) markRedundant() {
	c.executor.Retire()
	c.setState(StateRedundant)
	c.logger.WithFields(c.fields("redundant")).Info("controller_redundant")
}

func (c *Controller) transition(to State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range from {
		if c.state == allowed {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errInvalidTransition, c.state, to)
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) fields(action string) logrus.Fields {
	generations := make(map[string]string, len(policy.Roles()))
	for role, tag := range c.manager.Generations() {
		generations[string(role)] = tag
	}
	return logging.ControllerFields(action, c.id, generations)
}

type precacheTarget struct {
	role policy.Role
	raw  string
	url  *url.URL
}

func (c *Controller) populate(ctx context.Context) (*InstallReport, error) {
	if _, err := c.manager.Open(ctx, policy.RoleShell); err != nil {
		return nil, fmt.Errorf("open shell bucket: %w", err)
	}

	report := &InstallReport{}
	var targets []precacheTarget
	for _, raw := range c.precache {
		targets = append(targets, precacheTarget{role: policy.RoleShell, raw: raw})
	}
	for _, raw := range c.pinned {
		targets = append(targets, precacheTarget{role: policy.RoleData, raw: raw})
	}
	for i := range targets {
		u, err := c.resolve(targets[i].raw)
		if err != nil {
			report.Failed = append(report.Failed, PrecacheFailure{URL: targets[i].raw, Error: err.Error()})
			continue
		}
		targets[i].url = u
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers)
	for _, target := range targets {
		if target.url == nil {
			continue
		}
		target := target
		group.Go(func() error {
			status, err := c.precacheOne(groupCtx, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := groupCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				c.metrics.Precache("failed")
				report.Failed = append(report.Failed, PrecacheFailure{URL: target.url.String(), Status: status, Error: err.Error()})
				c.logger.WithFields(logrus.Fields{
					"action": "precache",
					"url":    target.url.Redacted(),
					"status": status,
				}).WithError(err).Warn("precache_failed")
				return nil
			}
			c.metrics.Precache("stored")
			report.Stored = append(report.Stored, target.url.String())
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(report.Stored)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].URL < report.Failed[j].URL })
	return report, nil
}

// precacheOne 抓取并写入单个地址，网络错误与 5xx 按指数退避重试。
func (c *Controller) precacheOne(ctx context.Context, target precacheTarget) (int, error) {
	req := &strategy.Request{Method: http.MethodGet, URL: target.url, Header: http.Header{}}
	delay := c.backoff

	var (
		resp *cache.Response
		err  error
	)
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
		resp, err = c.fetcher.Fetch(ctx, req)
		if err == nil && resp.Status < http.StatusInternalServerError {
			break
		}
	}
	if err != nil {
		return 0, err
	}
	if resp.Status != http.StatusOK {
		return resp.Status, fmt.Errorf("unexpected status %d", resp.Status)
	}
	route := policy.Route{Class: classForRole(target.role), Method: http.MethodGet, Role: target.role}
	if reason := c.executor.SkipReason(route, req, resp); reason != "" {
		return resp.Status, fmt.Errorf("%w: %s", errPrecacheSkipped, reason)
	}

	bucket, err := c.manager.Open(ctx, target.role)
	if err != nil {
		return resp.Status, err
	}
	stored := resp.Clone()
	stored.StoredAt = time.Now().UTC()
	if err := bucket.Put(ctx, req.Key(), stored); err != nil {
		return resp.Status, err
	}
	return resp.Status, nil
}

func classForRole(role policy.Role) policy.Class {
	switch role {
	case policy.RoleShell:
		return policy.ClassAppShell
	case policy.RoleData:
		return policy.ClassAPIData
	default:
		return policy.ClassStaticAsset
	}
}

func (c *Controller) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if c.origin == nil {
		return nil, fmt.Errorf("relative precache url %q without origin", raw)
	}
	return c.origin.ResolveReference(ref), nil
}

// Snapshot 是 Controller 的只读视图，供 /-/lifecycle 输出。
type Snapshot struct {
	ID          string            `json:"id"`
	State       State             `json:"state"`
	Generations map[string]string `json:"generations"`
	Buckets     []string          `json:"buckets"`
	InstalledAt *time.Time        `json:"installed_at,omitempty"`
	ActivatedAt *time.Time        `json:"activated_at,omitempty"`
	Report      *InstallReport    `json:"install_report,omitempty"`
}

// Snapshot 返回当前状态快照。
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	generations := make(map[string]string)
	for role, tag := range c.manager.Generations() {
		generations[string(role)] = tag
	}
	snap := Snapshot{
		ID:          c.id,
		State:       c.state,
		Generations: generations,
		Buckets:     c.manager.CurrentBucketNames(),
		Report:      c.report,
	}
	if !c.installedAt.IsZero() {
		ts := c.installedAt
		snap.InstalledAt = &ts
	}
	if !c.activatedAt.IsZero() {
		ts := c.activatedAt
		snap.ActivatedAt = &ts
	}
	return snap
}
