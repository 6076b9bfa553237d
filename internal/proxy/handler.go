package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/lifecycle"
	"github.com/murajaah/murajaah-cache/internal/logging"
	"github.com/murajaah/murajaah-cache/internal/policy"
	"github.com/murajaah/murajaah-cache/internal/server"
	"github.com/murajaah/murajaah-cache/internal/strategy"
)

// ControllerSource 返回当前控制请求的 Controller，通常是 *lifecycle.Registration。
type ControllerSource interface {
	Active() *lifecycle.Controller
}

// Handler 把 Fiber 请求转换为被拦截请求，交给当前版本的 Controller 分类并执行策略。
type Handler struct {
	source ControllerSource
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to a controller source.
func NewHandler(source ControllerSource, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{source: source, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)

	controller := h.source.Active()
	if controller == nil {
		return h.writeError(c, fiber.StatusServiceUnavailable, "controller_unavailable")
	}

	req, err := buildRequest(c, target)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	route, result, err := controller.Handle(ctx, req)
	setRouteHeaders(c, route)
	if err != nil {
		h.logResult(route, req, requestID, 0, "error", started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	c.Set("X-Murajaah-Cache", string(result.Outcome))
	writeResponse(c, req.Method, result.Response)
	h.logResult(route, req, requestID, result.Response.Status, string(result.Outcome), started, nil)
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route policy.Route,
	req *strategy.Request,
	requestID string,
	status int,
	outcome string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(string(route.Class), string(route.Strategy), req.Method, req.URL.Redacted(), outcome)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 从 Fiber 上下文构造被拦截请求；Host 与 hop-by-hop 头不会转发。
func buildRequest(c fiber.Ctx, target *server.Target) (*strategy.Request, error) {
	requestURI := string(c.Request().URI().RequestURI())
	if requestURI == "" {
		requestURI = "/"
	}
	resolved, err := target.Resolve(requestURI)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del("Host")

	method := strings.ToUpper(c.Method())
	var body []byte
	if method != http.MethodGet && method != http.MethodHead {
		body = append([]byte(nil), c.Body()...)
	}

	return &strategy.Request{
		Method:   method,
		URL:      resolved,
		Navigate: strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate"),
		Header:   header,
		Body:     body,
	}, nil
}

func setRouteHeaders(c fiber.Ctx, route policy.Route) {
	c.Set("X-Murajaah-Route", string(route.Class))
	c.Set("X-Murajaah-Strategy", string(route.Strategy))
}

// writeResponse 逐字节回放状态码、响应头与正文；HEAD 请求不写正文。
func writeResponse(c fiber.Ctx, method string, resp *cache.Response) {
	copyResponseHeaders(c, resp.Header)
	c.Status(resp.Status)
	if method == http.MethodHead {
		return
	}
	c.Response().SetBodyRaw(resp.Body)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
