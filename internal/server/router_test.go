package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://murajaah.local/index.html", nil)
	req.Host = "murajaah.local"
	req.Header.Set("Host", "murajaah.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Murajaah-Host"))
	}

	if app.recorder.kind != TargetApp {
		t.Fatalf("expected app target, got %s", app.recorder.kind)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterRoutesExternalHost(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://api.alquran.cloud:5000/v1/surah", nil)
	req.Host = "api.alquran.cloud:5000"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.kind != TargetExternal || app.recorder.host != "api.alquran.cloud" {
		t.Fatalf("unexpected target: %+v", app.recorder)
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/v2/", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Logger: logger}); err == nil {
		t.Fatalf("expected error without registry")
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry, err := NewTargetRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	kind TargetKind
	host string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, target *Target) error {
	p.kind = target.Kind
	p.host = target.Host
	return c.SendStatus(fiber.StatusNoContent)
}
