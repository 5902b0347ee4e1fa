package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/handler"
	"github.com/iliyamo/slot-booking/internal/middleware"
	"github.com/iliyamo/slot-booking/internal/router"
)

const shutdownTimeout = 15 * time.Second

// Application is the HTTP server around a wired core.
type Application struct {
	cfg  config.Config
	core *Components
	echo *echo.Echo
}

func NewApplication(cfg config.Config, core *Components) *Application {
	a := &Application{cfg: cfg, core: core, echo: echo.New()}
	a.echo.HideBanner = true
	a.echo.HidePort = true
	a.echo.Use(echomw.Recover())
	a.echo.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				core.Log.Warn("request failed", append(args, "error", v.Error)...)
				return nil
			}
			core.Log.Debug("request", args...)
			return nil
		},
	}))
	router.RegisterRoutes(a.echo, a.handlers())
	return a
}

// Echo exposes the router, mainly for tests.
func (a *Application) Echo() *echo.Echo { return a.echo }

func (a *Application) handlers() router.Handlers {
	s := a.core.Settings
	health := handler.NewHealthHandler(
		handler.Dependency{Name: "mysql", Ping: a.core.DB.PingContext},
		handler.Dependency{Name: "redis", Ping: func(ctx context.Context) error { return a.core.Redis.Ping(ctx).Err() }},
	)
	h := router.Handlers{
		Health:       health,
		Bookings:     handler.NewBookingHandler(a.core.Orchestrator),
		Availability: handler.NewAvailabilityHandler(a.core.Slots),
		Ops:          handler.NewOpsHandler(a.core.Locks, a.core.Transactions),
		JWTSecret:    a.cfg.JWTSecret,
	}
	if s.RateLimit.Enabled {
		h.RateLimit = middleware.NewTokenBucket(s.RateLimit, a.core.Redis, a.core.Log)
	}
	if s.Cache.Enabled {
		h.Cache = middleware.NewRedisCache(s.Cache, a.core.Redis)
	}
	return h
}

// Run starts the background loops and serves until SIGINT or SIGTERM,
// then shuts down gracefully.
func (a *Application) Run() error {
	log := a.core.Log
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.core.Start(ctx)
	defer a.core.Close()

	serverErrors := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		log.Info("listening", "addr", addr, "env", a.cfg.Env)
		serverErrors <- a.echo.Start(addr)
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.echo.Shutdown(sctx); err != nil {
		log.Error("server shutdown failed", "error", err)
		return a.echo.Close()
	}
	log.Info("server stopped")
	return nil
}
