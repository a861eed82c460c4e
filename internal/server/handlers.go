package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"aviatorclient/internal/betting"
	"aviatorclient/internal/session"
	"aviatorclient/internal/view"
)

type betRequest struct {
	PanelID string `json:"panel_id"`
	Stake   any    `json:"stake"`
}

type viewRequest struct {
	Tab string `json:"tab"`
}

// clientMessage is what a UI may send over /ws.
type clientMessage struct {
	Type    string `json:"type"`
	PanelID string `json:"panel_id"`
	Stake   any    `json:"stake"`
	Tab     string `json:"tab"`
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"ui": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.GetClientCount(),
		},
		"session": fiber.Map{
			"logged_in": s.app.Session.Current() != nil,
		},
	}
	for name, check := range s.checks {
		health[name] = check.Health()
	}
	return c.JSON(health)
}

func (s *FiberServer) stateHandler(c *fiber.Ctx) error {
	return c.JSON(s.app.Snapshot(c.Query("admin")))
}

// Auth handlers

func (s *FiberServer) loginHandler(c *fiber.Ctx) error {
	var creds session.Credentials
	if err := c.BodyParser(&creds); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if _, err := s.app.SignIn(c.UserContext(), creds); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(s.app.Snapshot(c.Query("admin")))
}

func (s *FiberServer) registerHandler(c *fiber.Ctx) error {
	var creds session.Credentials
	if err := c.BodyParser(&creds); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	sess, err := s.app.SignUp(c.UserContext(), creds)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"confirmation_required": sess == nil,
		"state":                 s.app.Snapshot(c.Query("admin")),
	})
}

func (s *FiberServer) logoutHandler(c *fiber.Ctx) error {
	if err := s.app.SignOut(c.UserContext()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(s.app.Snapshot(c.Query("admin")))
}

// Bet and wallet handlers

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req betRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	res, err := s.app.PlaceBet(c.UserContext(), req.PanelID, req.Stake)
	if err != nil {
		if !betting.Local(err) {
			s.log.Warn("bet not accepted by backend", zap.String("panel", req.PanelID), zap.Error(err))
		}
		return c.Status(betStatus(err)).JSON(betErrorBody(err))
	}
	return c.JSON(fiber.Map{
		"stake_cents": res.StakeMinorUnits,
		"notice":      res.Notice,
	})
}

func (s *FiberServer) refreshWalletHandler(c *fiber.Ctx) error {
	if s.app.Session.Current() == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Not logged in",
		})
	}
	if err := s.app.RefreshWallet(c.UserContext()); err != nil {
		s.log.Warn("wallet refresh failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to refresh wallet",
		})
	}
	snap := s.app.Snapshot("")
	return c.JSON(fiber.Map{
		"wallet":   snap.Wallet,
		"deposits": snap.Deposits,
	})
}

// View handlers

func (s *FiberServer) getViewHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"tab":  s.app.View.Current(),
		"tabs": view.Tabs(),
	})
}

func (s *FiberServer) selectViewHandler(c *fiber.Ctx) error {
	var req viewRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	tab, err := view.ParseTab(req.Tab)
	if err == nil {
		err = s.app.SelectTab(tab)
	}
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"tab":  tab,
		"tabs": view.Tabs(),
	})
}

func (s *FiberServer) clearNoticeHandler(c *fiber.Ctx) error {
	s.app.ClearNotice()
	return c.SendStatus(fiber.StatusNoContent)
}

func betStatus(err error) int {
	var be *betting.Error
	if !errors.As(err, &be) {
		return fiber.StatusInternalServerError
	}
	switch be.Kind {
	case betting.KindAuthRequired:
		return fiber.StatusUnauthorized
	case betting.KindInFlight:
		return fiber.StatusConflict
	case betting.KindRejected:
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusBadRequest
}

func betErrorBody(err error) fiber.Map {
	body := fiber.Map{"error": err.Error()}
	var be *betting.Error
	if errors.As(err, &be) {
		body["kind"] = be.Kind.String()
		body["local"] = betting.Local(err)
	}
	return body
}

// WebSocket handler

func (s *FiberServer) stateWebSocketHandler(conn *websocket.Conn) {
	client := s.hub.RegisterClient(conn, conn.Query("admin"))
	if client == nil {
		return
	}
	defer s.hub.UnregisterClient(client)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("read error", zap.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "place_bet":
			res, err := s.app.PlaceBet(context.Background(), msg.PanelID, msg.Stake)
			if err != nil {
				client.writeJSON(Message{Type: "bet_error", Data: betErrorBody(err)})
				continue
			}
			client.writeJSON(Message{Type: "bet_placed", Data: fiber.Map{
				"panel_id":    msg.PanelID,
				"stake_cents": res.StakeMinorUnits,
				"notice":      res.Notice,
			}})

		case "select_tab":
			tab, err := view.ParseTab(msg.Tab)
			if err == nil {
				err = s.app.SelectTab(tab)
			}
			if err != nil {
				client.writeJSON(Message{Type: "error", Data: fiber.Map{"error": err.Error()}})
			}

		case "ping":
			client.writeJSON(Message{Type: "pong"})
		}
	}
}
