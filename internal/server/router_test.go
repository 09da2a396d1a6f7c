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
	app := newRouterTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://assets.cache.local/static/app.js", nil)
	req.Host = "assets.cache.local"
	req.Header.Set("Host", "assets.cache.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	if app.recorder.routeName != "assets" {
		t.Fatalf("expected assets route, got %s", app.recorder.routeName)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newRouterTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/static/app.js", nil)
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

func TestRouterSkipsHostLookupForDiagnostics(t *testing.T) {
	app := newRouterTestApp(t, 5000)
	app.Get("/-/probe", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})

	req := httptest.NewRequest("GET", "http://unknown.local/-/probe", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("diagnostics path should bypass host lookup, got %d", resp.StatusCode)
	}
}

type routerTestApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newRouterTestApp(t *testing.T, port int) *routerTestApp {
	t.Helper()

	registry, err := NewOriginRegistry(testConfig())
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

	return &routerTestApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	lastRoute *OriginRoute
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *OriginRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}
