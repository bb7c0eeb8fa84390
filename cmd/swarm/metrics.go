package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsShutdownTimeout = 5 * time.Second

// newMetricsServer builds the local observability endpoint.
func newMetricsServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

// startMetricsServer serves /metrics and /healthz on addr until the returned
// stop function is called. Only loopback addresses are accepted.
func startMetricsServer(ctx context.Context, addr string, logger *logging.Logger) (func(), error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if host != "localhost" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return nil, errors.New("metrics address must be on a loopback interface")
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	e := newMetricsServer()
	e.Listener = ln
	go func() {
		if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server failed", zap.Error(err))
		}
	}()
	logger.Info(ctx, "metrics server started", zap.String("addr", ln.Addr().String()))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "metrics server shutdown", zap.Error(err))
		}
	}, nil
}
