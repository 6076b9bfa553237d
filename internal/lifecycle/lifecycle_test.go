package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/generation"
	"github.com/murajaah/murajaah-cache/internal/policy"
	"github.com/murajaah/murajaah-cache/internal/strategy"
)

type upstream struct {
	mu     sync.Mutex
	status map[string]int
	calls  map[string]int
}

func newUpstream() *upstream {
	return &upstream{status: map[string]int{}, calls: map[string]int{}}
}

func (u *upstream) fetcher() strategy.Fetcher {
	return strategy.FetcherFunc(func(_ context.Context, req *strategy.Request) (*cache.Response, error) {
		u.mu.Lock()
		defer u.mu.Unlock()
		target := req.URL.String()
		u.calls[target]++
		status, ok := u.status[target]
		if !ok {
			status = http.StatusOK
		}
		if status == 0 {
			return nil, strategy.ErrNetworkUnavailable
		}
		return &cache.Response{URL: target, Status: status, Header: http.Header{}, Body: []byte("body:" + target), Type: cache.ResponseTypeBasic}, nil
	})
}

func (u *upstream) callCount(target string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[target]
}

func newController(t *testing.T, storage cache.Storage, tag string, up *upstream, precache []string) *Controller {
	t.Helper()
	return newControllerWith(t, storage, tag, up.fetcher(), precache, []string{"https://api.alquran.cloud/v1/surah"})
}

func newControllerWith(t *testing.T, storage cache.Storage, tag string, fetcher strategy.Fetcher, precache, pinned []string) *Controller {
	t.Helper()
	manager, err := generation.New("murajaah", storage, map[policy.Role]string{
		policy.RoleShell:  tag,
		policy.RoleData:   tag,
		policy.RoleStatic: tag,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	exec, err := strategy.New(strategy.Options{Manager: manager, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	origin, _ := url.Parse("https://murajaah.local")
	c, err := NewController(Options{
		Manager:    manager,
		Classifier: policy.NewClassifier(policy.Options{APIHosts: []string{"api.alquran.cloud"}}),
		Executor:   exec,
		Fetcher:    fetcher,
		Origin:     origin,
		Precache:   precache,
		PinnedURLs: pinned,
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return c
}

func matchBody(t *testing.T, c *Controller, role policy.Role, raw string) string {
	t.Helper()
	bucket, err := c.Manager().Open(context.Background(), role)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	u, _ := url.Parse(raw)
	resp, err := bucket.Match(context.Background(), cache.NewKey(u))
	if err != nil {
		return ""
	}
	return string(resp.Body)
}

func TestInstallToleratesPartialFailure(t *testing.T) {
	up := newUpstream()
	up.status["https://murajaah.local/manifest.json"] = http.StatusNotFound
	c := newController(t, cache.NewMemoryStore(), "v1", up, []string{"/", "/index.html", "/manifest.json"})

	report, err := c.Install(context.Background())
	if err != nil {
		t.Fatalf("install must not fail: %v", err)
	}
	if c.State() != StateInstalled {
		t.Fatalf("unexpected state %s", c.State())
	}
	if !report.Partial() || len(report.Failed) != 1 || report.Failed[0].Status != http.StatusNotFound {
		t.Fatalf("unexpected failures: %+v", report.Failed)
	}
	if len(report.Stored) != 3 {
		t.Fatalf("expected 3 stored urls, got %v", report.Stored)
	}
	if got := matchBody(t, c, policy.RoleShell, "https://murajaah.local/index.html"); got == "" {
		t.Fatalf("index.html should be precached")
	}
	if got := matchBody(t, c, policy.RoleData, "https://api.alquran.cloud/v1/surah"); got == "" {
		t.Fatalf("pinned url should be pre-populated into the data bucket")
	}
	if up.callCount("https://murajaah.local/manifest.json") != 1 {
		t.Fatalf("4xx must not be retried")
	}
}

func TestInstallRetriesNetworkFailures(t *testing.T) {
	up := newUpstream()
	up.status["https://murajaah.local/offline.html"] = 0
	c := newController(t, cache.NewMemoryStore(), "v1", up, []string{"/offline.html"})

	report, err := c.Install(context.Background())
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("expected one failure, got %+v", report.Failed)
	}
	if got := up.callCount("https://murajaah.local/offline.html"); got != 2 {
		t.Fatalf("expected 1 retry, got %d calls", got)
	}
}

func TestRegisterActivatesAndMigrates(t *testing.T) {
	storage := cache.NewMemoryStore()
	ctx := context.Background()
	if _, err := storage.Open(ctx, "murajaah-shell-v0"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := storage.Open(ctx, "other-app-static-v9"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := NewRegistration(nil, nil)
	c := newController(t, storage, "v1", newUpstream(), []string{"/"})
	if _, err := reg.Register(ctx, c, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Active() != c || c.State() != StateActivated {
		t.Fatalf("first controller should activate immediately, state %s", c.State())
	}

	names, _ := storage.Keys(ctx)
	for _, name := range names {
		if !c.Manager().IsCurrent(name) {
			t.Fatalf("stale bucket %s survived migration", name)
		}
	}
}

func TestWaitingUntilSkipWaiting(t *testing.T) {
	storage := cache.NewMemoryStore()
	ctx := context.Background()
	reg := NewRegistration(nil, nil)
	up := newUpstream()

	first := newController(t, storage, "v1", up, []string{"/"})
	if _, err := reg.Register(ctx, first, false); err != nil {
		t.Fatalf("register first: %v", err)
	}
	second := newController(t, storage, "v2", up, []string{"/"})
	if _, err := reg.Register(ctx, second, false); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if reg.Active() != first || reg.Waiting() != second || second.State() != StateInstalled {
		t.Fatalf("second controller should wait")
	}

	result, err := reg.HandleMessage(ctx, Message{Type: MessageSkipWaiting})
	if err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if result.Activated != second.ID() || reg.Active() != second {
		t.Fatalf("second controller should claim clients")
	}
	if first.State() != StateRedundant {
		t.Fatalf("replaced controller should be redundant, got %s", first.State())
	}
	if reg.Waiting() != nil {
		t.Fatalf("waiting slot should be empty")
	}
	if ok, _ := storage.Has(ctx, "murajaah-shell-v1"); ok {
		t.Fatalf("v1 shell bucket should be deleted on activation")
	}

	if _, err := reg.SkipWaiting(ctx); !errors.Is(err, ErrNoWaitingController) {
		t.Fatalf("expected ErrNoWaitingController, got %v", err)
	}
}

func TestSkipWaitingFlagActivatesImmediately(t *testing.T) {
	storage := cache.NewMemoryStore()
	ctx := context.Background()
	reg := NewRegistration(nil, nil)
	up := newUpstream()

	first := newController(t, storage, "v1", up, nil)
	if _, err := reg.Register(ctx, first, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	second := newController(t, storage, "v2", up, nil)
	if _, err := reg.Register(ctx, second, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Active() != second || reg.Waiting() != nil {
		t.Fatalf("forced takeover should activate the new controller")
	}
}

func TestClearCacheMessage(t *testing.T) {
	storage := cache.NewMemoryStore()
	ctx := context.Background()
	reg := NewRegistration(nil, nil)

	if _, err := reg.HandleMessage(ctx, Message{Type: MessageClearCache}); !errors.Is(err, ErrNoController) {
		t.Fatalf("expected ErrNoController, got %v", err)
	}

	c := newController(t, storage, "v1", newUpstream(), []string{"/"})
	if _, err := reg.Register(ctx, c, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := storage.Open(ctx, "murajaah-data-legacy"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := storage.Open(ctx, "someone-else"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := reg.HandleMessage(ctx, Message{Type: MessageClearCache})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(result.Deleted) < 2 {
		t.Fatalf("expected namespace buckets deleted, got %v", result.Deleted)
	}
	names, _ := storage.Keys(ctx)
	if len(names) != 1 || names[0] != "someone-else" {
		t.Fatalf("only foreign buckets should remain, got %v", names)
	}
}

func TestUnknownMessage(t *testing.T) {
	reg := NewRegistration(nil, nil)
	if _, err := reg.HandleMessage(context.Background(), Message{Type: "PING"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	msg, err := ParseMessage([]byte(`{"type":"skip_waiting"}`))
	if err != nil || msg.Type != MessageSkipWaiting {
		t.Fatalf("parse: %+v %v", msg, err)
	}
	if _, err := ParseMessage([]byte(`{}`)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("empty type should be rejected, got %v", err)
	}
}

func TestInstallTwiceIsRejected(t *testing.T) {
	c := newController(t, cache.NewMemoryStore(), "v1", newUpstream(), nil)
	if _, err := c.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := c.Install(context.Background()); err == nil {
		t.Fatalf("second install should fail")
	}
}

func TestHandleRoutesThroughExecutor(t *testing.T) {
	c := newController(t, cache.NewMemoryStore(), "v1", newUpstream(), nil)
	u, _ := url.Parse("https://api.alquran.cloud/v1/juz/1")
	route, result, err := c.Handle(context.Background(), &strategy.Request{Method: http.MethodGet, URL: u, Header: http.Header{}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	c.Executor().Wait()
	if route.Class != policy.ClassAPIData || result.Outcome != strategy.OutcomeNetwork {
		t.Fatalf("unexpected route/result: %+v %+v", route, result)
	}
}

func TestReplacedControllerDoesNotRecreateMigratedBuckets(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	base := newUpstream().fetcher()
	blocking := strategy.FetcherFunc(func(ctx context.Context, req *strategy.Request) (*cache.Response, error) {
		if req.URL.Path == "/app.js" {
			close(entered)
			<-release
		}
		return base.Fetch(ctx, req)
	})

	c1 := newControllerWith(t, storage, "v1", blocking, nil, nil)
	reg := NewRegistration(nil, nil)
	if _, err := reg.Register(ctx, c1, true); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		u, _ := url.Parse("https://murajaah.local/app.js")
		_, _, err := c1.Handle(ctx, &strategy.Request{Method: http.MethodGet, URL: u, Header: http.Header{}})
		done <- err
	}()
	<-entered

	c2 := newController(t, storage, "v2", newUpstream(), nil)
	if _, err := reg.Register(ctx, c2, true); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if c1.State() != StateRedundant || !c1.Executor().Retired() {
		t.Fatalf("replaced controller should be retired, state=%s", c1.State())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight request should still be answered from network: %v", err)
	}
	if retired := reg.Retired(); len(retired) != 1 || retired[0] != c1 {
		t.Fatalf("replaced controller should be tracked until Wait, got %v", retired)
	}
	reg.Wait()
	if retired := reg.Retired(); len(retired) != 0 {
		t.Fatalf("Wait should release retired controllers, got %d", len(retired))
	}

	names, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	for _, name := range names {
		if strings.HasSuffix(name, "-v1") {
			t.Fatalf("migrated bucket %s was recreated: %v", name, names)
		}
	}
}

func TestPrecacheAppliesWriteRule(t *testing.T) {
	ctx := context.Background()
	long := "https://api.alquran.cloud/v1/search/" + strings.Repeat("a", 2100)
	font := "https://fonts.gstatic.com/s/amiri.woff2"
	fetcher := strategy.FetcherFunc(func(_ context.Context, req *strategy.Request) (*cache.Response, error) {
		typ := cache.ResponseTypeBasic
		if req.URL.Host == "fonts.gstatic.com" {
			typ = cache.ResponseTypeOpaque
		}
		return &cache.Response{URL: req.URL.String(), Status: http.StatusOK, Header: http.Header{}, Body: []byte("x"), Type: typ}, nil
	})
	c := newControllerWith(t, cache.NewMemoryStore(), "v1", fetcher, []string{"/index.html", font}, []string{long})

	report, err := c.Install(ctx)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(report.Stored) != 1 || report.Stored[0] != "https://murajaah.local/index.html" {
		t.Fatalf("only the same-origin document should be stored, got %v", report.Stored)
	}
	reasons := map[string]string{}
	for _, failure := range report.Failed {
		reasons[failure.URL] = failure.Error
	}
	if !strings.Contains(reasons[font], "skipped_opaque") {
		t.Fatalf("opaque precache should be reported, got %+v", report.Failed)
	}
	if !strings.Contains(reasons[long], "skipped_key_too_long") {
		t.Fatalf("over-long pinned url should be reported, got %+v", report.Failed)
	}
	if got := matchBody(t, c, policy.RoleShell, font); got != "" {
		t.Fatalf("opaque response must not be written")
	}
	if got := matchBody(t, c, policy.RoleData, long); got != "" {
		t.Fatalf("over-long key must not be written")
	}
}
