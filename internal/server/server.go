package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"aviatorclient/internal/app"
)

// HealthChecker is implemented by the database and cache services.
type HealthChecker interface {
	Health() map[string]string
}

type Options struct {
	Name string
	// Checks are reported under their key on /health.
	Checks map[string]HealthChecker
	// RateLimit caps requests per client per minute; zero means 100.
	RateLimit int
}

type FiberServer struct {
	*fiber.App

	app    *app.App
	hub    *Hub
	checks map[string]HealthChecker
	log    *zap.Logger

	unsubscribe func()
}

func New(a *app.App, log *zap.Logger, opts Options) *FiberServer {
	if opts.Name == "" {
		opts.Name = "aviator-client"
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100
	}
	log = log.Named("server")

	hub := NewHub(a.Snapshot, log)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:          opts.Name,
			AppName:               opts.Name,
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
			IdleTimeout:           120 * time.Second,
			StrictRouting:         false,
			DisableStartupMessage: true,
		}),

		app:    a,
		hub:    hub,
		checks: opts.Checks,
		log:    log,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        opts.RateLimit,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	server.unsubscribe = a.OnChange(hub.Notify)

	return server
}

// Shutdown stops pushing state and closes the listener. The application and
// its backends are stopped by the caller.
func (s *FiberServer) Shutdown() error {
	s.log.Info("shutting down")
	s.unsubscribe()
	s.hub.Stop()
	return s.App.Shutdown()
}
