package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，负责缺失 handler 与 panic 的兜底响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, target *server.Target) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, target, requestID)
	}
	return f.invokeHandler(c, target, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target *server.Target, requestID string) error {
	f.logHandlerError(target, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target *server.Target, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, r, requestID)
		}
	}()
	return f.handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target *server.Target, recovered interface{}, requestID string) error {
	f.logHandlerError(target, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(target *server.Target, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
	}
	if target != nil {
		fields["host"] = target.Host
		fields["target_kind"] = string(target.Kind)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
