package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/generation"
	"github.com/murajaah/murajaah-cache/internal/logging"
	"github.com/murajaah/murajaah-cache/internal/metrics"
	"github.com/murajaah/murajaah-cache/internal/policy"
)

// DefaultMaxKeyLength 是允许写入缓存的规范化 URL 最大长度。
const DefaultMaxKeyLength = 2000

// Outcome 标识响应的来源。
type Outcome string

const (
	OutcomeNetwork  Outcome = "network"
	OutcomeCache    Outcome = "cache"
	OutcomeFallback Outcome = "fallback"
	OutcomeOffline  Outcome = "offline"
)

// Result 是一次策略执行的结果。Bucket 为命中或回退所使用的 bucket 名称。
type Result struct {
	Response *cache.Response
	Outcome  Outcome
	Bucket   string
}

// Options 注入执行器依赖，全部来自配置，不存在编译期常量。
type Options struct {
	Manager           *generation.Manager
	Fetcher           Fetcher
	Logger            *logrus.Logger
	Metrics           *metrics.Recorder
	MaxKeyLength      int
	ShellDocument     *url.URL
	OfflinePage       []byte
	BackgroundTimeout time.Duration
}

// Executor 针对已分类的请求执行缓存策略。
type Executor struct {
	manager       *generation.Manager
	fetcher       Fetcher
	logger        *logrus.Logger
	metrics       *metrics.Recorder
	maxKeyLength  int
	shellDocument *url.URL
	offlinePage   []byte
	bg            *backgroundGroup
	// retired 为真后不再打开任何 bucket。写入在 storeMu 读锁内检查并完成，
	// Retire 持写锁，返回后不会再有写入落到旧 bucket。
	storeMu sync.RWMutex
	retired atomic.Bool
}

// New 创建执行器。
func New(opts Options) (*Executor, error) {
	if opts.Manager == nil {
		return nil, errors.New("generation manager required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	maxKey := opts.MaxKeyLength
	if maxKey <= 0 {
		maxKey = DefaultMaxKeyLength
	}
	var offline []byte
	if len(opts.OfflinePage) > 0 {
		offline = append([]byte(nil), opts.OfflinePage...)
	}
	return &Executor{
		manager:       opts.Manager,
		fetcher:       opts.Fetcher,
		logger:        logger,
		metrics:       opts.Metrics,
		maxKeyLength:  maxKey,
		shellDocument: opts.ShellDocument,
		offlinePage:   offline,
		bg:            newBackgroundGroup(opts.BackgroundTimeout, logger),
	}, nil
}

// Execute 运行 route 指定的策略。没有 bucket 角色的路由一律按 network-only 处理。
func (e *Executor) Execute(ctx context.Context, route policy.Route, req *Request) (*Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	kind := route.Strategy
	if route.Role == policy.RoleNone || kind == "" {
		kind = policy.KindNetworkOnly
	}
	desc, ok := Resolve(kind)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", kind)
	}

	started := time.Now()
	result, err := desc.run(e, ctx, route, req)
	elapsed := time.Since(started)

	outcome := "error"
	if err == nil {
		outcome = string(result.Outcome)
	}
	e.metrics.ObserveRequest(string(route.Class), string(kind), outcome, elapsed)

	fields := logging.RequestFields(string(route.Class), string(kind), route.Method, req.URL.Redacted(), outcome)
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Warn("strategy_failed")
	} else {
		if result.Bucket != "" {
			fields["bucket"] = result.Bucket
		}
		e.logger.WithFields(fields).Debug("strategy_completed")
	}
	return result, err
}

// Wait 阻塞直到所有后台写入与再验证任务结束。
func (e *Executor) Wait() {
	e.bg.Wait()
}

// Retire 停止该执行器的缓存读写，版本被替换后调用。网络请求照常执行。
func (e *Executor) Retire() {
	e.storeMu.Lock()
	e.retired.Store(true)
	e.storeMu.Unlock()
}

// Retired 报告执行器是否已停止缓存读写。
func (e *Executor) Retired() bool {
	return e.retired.Load()
}

func (e *Executor) networkOnly(ctx context.Context, _ policy.Route, req *Request) (*Result, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Outcome: OutcomeNetwork}, nil
}

func (e *Executor) cacheFirst(ctx context.Context, route policy.Route, req *Request) (*Result, error) {
	if hit := e.match(ctx, route.Role, req.Key()); hit != nil {
		return hit, nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return e.fallback(ctx, route, req, err)
	}
	e.storeDetached(route, req, resp)
	return &Result{Response: resp, Outcome: OutcomeNetwork}, nil
}

func (e *Executor) networkFirst(ctx context.Context, route policy.Route, req *Request) (*Result, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		e.storeDetached(route, req, resp)
		return &Result{Response: resp, Outcome: OutcomeNetwork}, nil
	}
	if hit := e.match(ctx, route.Role, req.Key()); hit != nil {
		return hit, nil
	}
	return e.fallback(ctx, route, req, err)
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, route policy.Route, req *Request) (*Result, error) {
	if hit := e.match(ctx, route.Role, req.Key()); hit != nil {
		e.revalidate(route, req)
		return hit, nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return e.fallback(ctx, route, req, err)
	}
	e.storeDetached(route, req, resp)
	return &Result{Response: resp, Outcome: OutcomeNetwork}, nil
}

// match 查找当前 generation 的 bucket，不会创建 bucket；任何存储错误都按未命中处理。
func (e *Executor) match(ctx context.Context, role policy.Role, key cache.Key) *Result {
	if role == policy.RoleNone || e.retired.Load() {
		return nil
	}
	bucket, err := e.manager.Lookup(ctx, role)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"action": "cache_open",
			"bucket": e.manager.CurrentBucketName(role),
		}).WithError(err).Warn("bucket_open_failed")
		return nil
	}
	resp, err := bucket.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithFields(logrus.Fields{
				"action": "cache_match",
				"bucket": bucket.Name(),
				"key":    string(key),
			}).WithError(err).Warn("cache_match_failed")
		}
		return nil
	}
	return &Result{Response: resp, Outcome: OutcomeCache, Bucket: bucket.Name()}
}

// revalidate 在后台重新抓取并覆盖缓存；同一 key 同时只有一个再验证任务。
func (e *Executor) revalidate(route policy.Route, req *Request) {
	detached := req.Clone()
	key := detached.Key()
	bucketName := e.manager.CurrentBucketName(route.Role)
	e.bg.GoOnce("revalidate", bucketName+"|"+string(key), func(ctx context.Context) {
		resp, err := e.fetcher.Fetch(ctx, detached)
		if err != nil {
			e.metrics.Revalidation("failed")
			e.logger.WithFields(logrus.Fields{
				"action": "revalidate",
				"bucket": bucketName,
				"key":    string(key),
			}).WithError(err).Debug("revalidate_failed")
			return
		}
		e.metrics.Revalidation("ok")
		e.store(ctx, route, detached, resp)
	})
}

// storeDetached 复制响应后交给后台任务写入，调用方立即拿到原始响应。
func (e *Executor) storeDetached(route policy.Route, req *Request, resp *cache.Response) {
	if reason := e.skipReason(route, req, resp); reason != "" {
		e.recordSkip(route, req, reason)
		return
	}
	detached := req.Clone()
	copied := resp.Clone()
	e.bg.Go("cache_put", func(ctx context.Context) {
		e.store(ctx, route, detached, copied)
	})
}

// store 同步写入当前 bucket，错误只记录不返回。
func (e *Executor) store(ctx context.Context, route policy.Route, req *Request, resp *cache.Response) {
	if reason := e.skipReason(route, req, resp); reason != "" {
		e.recordSkip(route, req, reason)
		return
	}
	e.storeMu.RLock()
	defer e.storeMu.RUnlock()
	if e.retired.Load() {
		e.recordSkip(route, req, "skipped_retired")
		return
	}
	fields := logrus.Fields{
		"action": "cache_put",
		"bucket": e.manager.CurrentBucketName(route.Role),
		"key":    string(req.Key()),
	}
	bucket, err := e.manager.Open(ctx, route.Role)
	if err == nil {
		stored := resp.Clone()
		stored.StoredAt = time.Now().UTC()
		err = bucket.Put(ctx, req.Key(), stored)
	}
	if err != nil {
		e.metrics.CacheWrite(string(route.Role), "failed")
		e.logger.WithFields(fields).WithError(err).Warn("cache_put_failed")
		return
	}
	e.metrics.CacheWrite(string(route.Role), "stored")
	e.logger.WithFields(fields).Debug("cache_put_ok")
}

// SkipReason 返回不写入缓存的原因，空字符串表示允许写入。预缓存与运行期写入共用此规则。
func (e *Executor) SkipReason(route policy.Route, req *Request, resp *cache.Response) string {
	return e.skipReason(route, req, resp)
}

// skipReason 实现统一写入规则：仅 GET、200、非 opaque、key 长度不超限。
func (e *Executor) skipReason(route policy.Route, req *Request, resp *cache.Response) string {
	switch {
	case !route.AllowsWrite():
		return "skipped_method"
	case resp == nil || resp.Status != http.StatusOK:
		return "skipped_status"
	case resp.Type == cache.ResponseTypeOpaque:
		return "skipped_opaque"
	case len(req.Key().URL()) > e.maxKeyLength:
		return "skipped_key_too_long"
	}
	return ""
}

func (e *Executor) recordSkip(route policy.Route, req *Request, reason string) {
	e.metrics.CacheWrite(string(route.Role), reason)
	entry := e.logger.WithFields(logrus.Fields{
		"action": "cache_put",
		"bucket": e.manager.CurrentBucketName(route.Role),
		"reason": reason,
	})
	if reason == "skipped_key_too_long" {
		entry.WithError(ErrKeyTooLong).Debug("cache_put_skipped")
		return
	}
	entry.Debug("cache_put_skipped")
}

// fallback 在网络失败且无缓存时按路由类别兜底。
func (e *Executor) fallback(ctx context.Context, route policy.Route, req *Request, cause error) (*Result, error) {
	switch route.Class {
	case policy.ClassAppShell:
		if e.shellDocument != nil {
			if hit := e.match(ctx, policy.RoleShell, cache.NewKey(e.shellDocument)); hit != nil {
				hit.Outcome = OutcomeFallback
				return hit, nil
			}
		}
		if len(e.offlinePage) > 0 {
			return &Result{Response: e.offlineDocument(req), Outcome: OutcomeOffline}, nil
		}
	case policy.ClassAPIData:
		return &Result{Response: offlineJSON(req), Outcome: OutcomeOffline}, nil
	}
	return nil, cause
}

func (e *Executor) offlineDocument(req *Request) *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return &cache.Response{
		URL:    req.URL.String(),
		Status: http.StatusOK,
		Header: header,
		Body:   append([]byte(nil), e.offlinePage...),
		Type:   cache.ResponseTypeBasic,
	}
}

func offlineJSON(req *Request) *cache.Response {
	body, _ := json.Marshal(map[string]string{
		"error":   "offline",
		"message": "network unavailable and no cached response",
		"url":     req.URL.String(),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	return &cache.Response{
		URL:    req.URL.String(),
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   body,
		Type:   cache.ResponseTypeBasic,
	}
}
