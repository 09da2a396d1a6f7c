package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cache-hub/cache-hub/internal/proxy"
	"github.com/cache-hub/cache-hub/internal/server"
	"github.com/cache-hub/cache-hub/internal/version"
)

// WritersReporter 暴露进行中的写协调器快照，由 proxy.Handler 实现。
type WritersReporter interface {
	ActiveWriters() []proxy.WriterStatus
}

// RegisterDiagnosticsRoutes 注册 /-/ 前缀下的诊断接口：运行状态、存活
// 探针、进行中的写协调器与 Prometheus 指标。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.OriginRegistry, writers WritersReporter) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": version.Full(),
			"origins": encodeOrigins(registry.List()),
		})
	})

	app.Get("/-/writers", func(c fiber.Ctx) error {
		statuses := []proxy.WriterStatus{}
		if writers != nil {
			if active := writers.ActiveWriters(); active != nil {
				statuses = active
			}
		}
		return c.JSON(fiber.Map{"writers": statuses})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type originPayload struct {
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Upstream   string `json:"upstream"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:       route.Config.Name,
			Domain:     route.Config.Domain,
			Upstream:   route.Config.Upstream,
			TTLSeconds: int64(route.CacheTTL.Seconds()),
		})
	}
	return result
}
