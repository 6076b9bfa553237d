package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/config"
	"github.com/murajaah/murajaah-cache/internal/lifecycle"
	"github.com/murajaah/murajaah-cache/internal/logging"
	"github.com/murajaah/murajaah-cache/internal/server"
)

type proxyFixture struct {
	app        *fiber.App
	reg        *lifecycle.Registration
	upstream   *httptest.Server
	online     atomic.Bool
	apiHits    atomic.Int32
	postBodies chan string
}

func newProxyFixture(t *testing.T) *proxyFixture {
	t.Helper()
	f := &proxyFixture{postBodies: make(chan string, 1)}
	f.online.Store(true)
	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.online.Load() {
			// 模拟断网：直接断开连接。
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch {
		case r.URL.Path == "/index.html":
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Connection", "close")
			_, _ = w.Write([]byte("<html>shell</html>"))
		case strings.HasPrefix(r.URL.Path, "/api/"):
			f.apiHits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			if r.Method == http.MethodPost {
				body, _ := io.ReadAll(r.Body)
				f.postBodies <- string(body)
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.upstream.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			LogLevel:          "info",
			StorageBackend:    "memory",
			InitialBackoff:    config.Duration(time.Millisecond),
			UpstreamTimeout:   config.Duration(2 * time.Second),
			BackgroundTimeout: config.Duration(2 * time.Second),
		},
		App: config.AppConfig{
			Name:           "murajaah",
			Domain:         "murajaah.local",
			Origin:         f.upstream.URL,
			ExternalScheme: "https",
			MaxKeyLength:   2000,
			APIPrefixes:    []string{f.upstream.URL + "/api/"},
		},
		Generations: map[string]string{"shell": "v1", "data": "v1", "static": "v1"},
	}

	logger := logging.Discard()
	rt := server.Runtime{Storage: cache.NewMemoryStore(), Logger: logger}
	controller, err := server.BuildController(cfg, rt)
	if err != nil {
		t.Fatalf("build controller: %v", err)
	}
	f.reg = lifecycle.NewRegistration(logger, nil)
	if _, err := f.reg.Register(context.Background(), controller, true); err != nil {
		t.Fatalf("register: %v", err)
	}

	targets, err := server.NewTargetRegistry(cfg)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   targets,
		Proxy:      NewForwarder(NewHandler(f.reg, logger), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = app
	return f
}

func (f *proxyFixture) request(t *testing.T, method, path string, navigate bool, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://murajaah.local"+path, reader)
	req.Host = "murajaah.local"
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}
	resp, err := f.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	payload, _ := io.ReadAll(resp.Body)
	f.reg.Wait()
	return resp, string(payload)
}

func TestHandlerServesShellFromCacheWhenOffline(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.request(t, http.MethodGet, "/index.html", true, "")
	if resp.StatusCode != http.StatusOK || body != "<html>shell</html>" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Murajaah-Route") != "app-shell" || resp.Header.Get("X-Murajaah-Cache") != "network" {
		t.Fatalf("unexpected route headers: %v", resp.Header)
	}

	f.online.Store(false)
	resp, body = f.request(t, http.MethodGet, "/index.html", true, "")
	if resp.StatusCode != http.StatusOK || body != "<html>shell</html>" {
		t.Fatalf("expected cached shell, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Murajaah-Cache") != "cache" {
		t.Fatalf("expected cache outcome, got %s", resp.Header.Get("X-Murajaah-Cache"))
	}
}

func TestHandlerSynthesizesOfflineJSONForAPI(t *testing.T) {
	f := newProxyFixture(t)
	f.online.Store(false)

	resp, body := f.request(t, http.MethodGet, "/api/juz/1", false, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"error":"offline"`) {
		t.Fatalf("expected offline json, got %s", body)
	}
}

func TestHandlerPassesThroughPost(t *testing.T) {
	f := newProxyFixture(t)

	resp, _ := f.request(t, http.MethodPost, "/api/progress", false, `{"ayah":7}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Murajaah-Route") != "pass-through" {
		t.Fatalf("unexpected route %s", resp.Header.Get("X-Murajaah-Route"))
	}
	select {
	case got := <-f.postBodies:
		if got != `{"ayah":7}` {
			t.Fatalf("request body not forwarded: %s", got)
		}
	default:
		t.Fatalf("upstream did not receive POST")
	}

	f.online.Store(false)
	resp, body := f.request(t, http.MethodPost, "/api/progress", false, `{"ayah":8}`)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected 502 upstream_failed, got %d %s", resp.StatusCode, body)
	}
}

func TestHandlerHeadOmitsBody(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.request(t, http.MethodHead, "/api/audio/007.mp3", false, "")
	if resp.StatusCode != http.StatusOK || body != "" {
		t.Fatalf("unexpected HEAD response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Murajaah-Route") != "api-data" {
		t.Fatalf("HEAD probe should classify as api-data, got %s", resp.Header.Get("X-Murajaah-Route"))
	}

	f.online.Store(false)
	resp, _ = f.request(t, http.MethodGet, "/api/audio/007.mp3", false, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("HEAD must not have populated the cache, got %d", resp.StatusCode)
	}
}

func TestHandlerWithoutController(t *testing.T) {
	logger := logging.Discard()
	h := NewHandler(lifecycle.NewRegistration(logger, nil), logger)
	app := fiber.New()
	app.All("/*", func(c fiber.Ctx) error {
		return h.Handle(c, &server.Target{Host: "murajaah.local", Kind: server.TargetApp})
	})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without controller, got %d", resp.StatusCode)
	}
}
