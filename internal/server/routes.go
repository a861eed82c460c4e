package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api/v1")

	api.Get("/state", s.stateHandler)

	auth := api.Group("/auth")
	auth.Post("/login", s.loginHandler)
	auth.Post("/register", s.registerHandler)
	auth.Post("/logout", s.logoutHandler)

	api.Post("/bets", s.placeBetHandler)
	api.Post("/wallet/refresh", s.refreshWalletHandler)

	api.Get("/view", s.getViewHandler)
	api.Put("/view", s.selectViewHandler)

	api.Delete("/notice", s.clearNoticeHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.stateWebSocketHandler))
}
