package api

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"MAHA-Orchestrator/internal/observability/metrics"
	"MAHA-Orchestrator/pkg/logger"
)

// requestLogger 用 slog 记录每个请求，并把带 request_id 的 logger 放入请求上下文。
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		BeforeNextFunc: func(c echo.Context) {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logger.IntoContext(c.Request().Context(), s.log.With(slog.String("request_id", id)))
			c.SetRequest(c.Request().WithContext(ctx))
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("request_id", v.RequestID),
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
				level = slog.LevelWarn
			}
			s.log.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

// observe 记录请求量与延迟，路由模板作为 handler 标签。
func observe() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			metrics.ObserveHTTPRequest(path, c.Request().Method, c.Response().Status, time.Since(start))
			return nil
		}
	}
}
