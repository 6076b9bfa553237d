package routes

import (
	"context"
	"errors"
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/lifecycle"
	"github.com/murajaah/murajaah-cache/internal/metrics"
	"github.com/murajaah/murajaah-cache/internal/server"
	"github.com/murajaah/murajaah-cache/internal/strategy"
)

// DiagnosticsOptions 汇总诊断接口依赖。
type DiagnosticsOptions struct {
	Registration *lifecycle.Registration
	Storage      cache.Storage
	Metrics      *metrics.Recorder
	Targets      *server.TargetRegistry
	Logger       *logrus.Logger
}

// RegisterDiagnosticsRoutes 暴露 /-/ 前缀下的诊断与控制接口。
func RegisterDiagnosticsRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Registration == nil {
		return
	}

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		return c.JSON(encodeLifecycle(opts.Registration))
	})

	app.Get("/-/buckets", func(c fiber.Ctx) error {
		if opts.Storage == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		buckets, err := encodeBuckets(c.Context(), opts.Storage, opts.Registration.Active())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "bucket_list_failed"})
		}
		return c.JSON(fiber.Map{"buckets": buckets})
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"strategies": strategy.List()})
	})

	app.Get("/-/targets", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"targets": encodeTargets(opts.Targets.List())})
	})

	app.Post("/-/messages", func(c fiber.Ctx) error {
		msg, err := lifecycle.ParseMessage(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		result, err := opts.Registration.HandleMessage(c.Context(), msg)
		if err != nil {
			status, code := messageError(err)
			if opts.Logger != nil {
				opts.Logger.WithFields(logrus.Fields{
					"action":     "message",
					"type":       msg.Type,
					"request_id": server.RequestID(c),
				}).WithError(err).Warn("message_failed")
			}
			return c.Status(status).JSON(fiber.Map{"error": code})
		}
		return c.JSON(result)
	})

	if registry := opts.Metrics.Registry(); registry != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	app.Get("/-/stats", func(c fiber.Ctx) error {
		stats := opts.Metrics.LatencyStats()
		if stats == nil {
			stats = []metrics.Stats{}
		}
		return c.JSON(fiber.Map{"latency": stats})
	})
}

func messageError(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownMessage):
		return fiber.StatusBadRequest, "unknown_message"
	case errors.Is(err, lifecycle.ErrNoWaitingController):
		return fiber.StatusConflict, "no_waiting_controller"
	case errors.Is(err, lifecycle.ErrNoController):
		return fiber.StatusConflict, "no_controller"
	default:
		return fiber.StatusInternalServerError, "message_failed"
	}
}

type lifecyclePayload struct {
	Active  *lifecycle.Snapshot `json:"active"`
	Waiting *lifecycle.Snapshot `json:"waiting"`
}

func encodeLifecycle(reg *lifecycle.Registration) lifecyclePayload {
	var payload lifecyclePayload
	if active := reg.Active(); active != nil {
		snap := active.Snapshot()
		payload.Active = &snap
	}
	if waiting := reg.Waiting(); waiting != nil {
		snap := waiting.Snapshot()
		payload.Waiting = &snap
	}
	return payload
}

type bucketPayload struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

func encodeBuckets(ctx context.Context, storage cache.Storage, active *lifecycle.Controller) ([]bucketPayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]bucketPayload, 0, len(names))
	for _, name := range names {
		// 只读查询：列出 bucket 不能重新创建刚被删除的 bucket。
		bucket, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		item := bucketPayload{Name: name}
		if active != nil {
			item.Current = active.Manager().IsCurrent(name)
		}
		if err == nil {
			if keys, err := bucket.Keys(ctx); err == nil {
				item.Entries = len(keys)
			}
		}
		result = append(result, item)
	}
	return result, nil
}

type targetPayload struct {
	Host string `json:"host"`
	Kind string `json:"kind"`
	Base string `json:"base"`
}

func encodeTargets(targets []server.Target) []targetPayload {
	if len(targets) == 0 {
		return []targetPayload{}
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Host < targets[j].Host
	})
	result := make([]targetPayload, 0, len(targets))
	for _, target := range targets {
		result = append(result, targetPayload{
			Host: target.Host,
			Kind: string(target.Kind),
			Base: target.Base.String(),
		})
	}
	return result
}
