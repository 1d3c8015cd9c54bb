package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/auth"
	"github.com/fathima-sithara/ops-relay/internal/metric"
	"github.com/fathima-sithara/ops-relay/internal/notify"
	"github.com/fathima-sithara/ops-relay/internal/readstate"
	"github.com/fathima-sithara/ops-relay/internal/redis"
	"github.com/fathima-sithara/ops-relay/internal/router"
	"github.com/fathima-sithara/ops-relay/internal/store"
	"github.com/fathima-sithara/ops-relay/internal/ws"
)

// PresenceReader answers presence lookups; nil when Redis is disabled.
type PresenceReader interface {
	GetPresence(ctx context.Context, userID string) (redis.Presence, error)
}

type Deps struct {
	Store       store.ConversationStore
	Router      *router.Router
	Reads       *readstate.Tracker
	Broadcaster *notify.Broadcaster
	WS          *ws.Server
	Validator   *auth.JWTValidator
	Presence    PresenceReader
	Metrics     *metric.Metrics
	Log         *zap.SugaredLogger
}

type Server struct {
	Deps
}

func NewServer(d Deps) *fiber.App {
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		Output: zap.NewStdLog(d.Log.Desugar()).Writer(),
		Format: "${status} ${method} ${path} ${latency}\n",
	}))
	s := &Server{Deps: d}

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	api := app.Group("/v1", auth.Middleware(d.Validator))

	api.Get("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws", websocket.New(d.WS.HandleWS()))

	staff := auth.RequireRole(auth.RoleAdmin)

	api.Get("/conversations", s.listConversations)
	api.Post("/conversations", s.openConversation)
	api.Get("/conversations/:id/messages", s.listMessages)
	api.Post("/conversations/:id/messages", s.sendMessage)
	api.Post("/conversations/:id/read", s.markRead)
	api.Get("/conversations/:id/unread", s.conversationUnread)
	api.Get("/unread", s.globalUnread)
	api.Patch("/conversations/:id", staff, s.updateConversation)
	api.Delete("/conversations/:id", staff, s.deleteConversation)
	api.Delete("/messages/:id", staff, s.deleteMessage)

	api.Get("/notifications", staff, s.listNotifications)
	api.Get("/notifications/unread", staff, s.unreadNotifications)
	api.Post("/notifications/read-all", staff, s.markAllNotificationsRead)
	api.Post("/notifications/:id/read", staff, s.markNotificationRead)
	api.Post("/events", auth.RequireRole(auth.RoleAdmin, auth.RoleService), s.publishEvent)

	api.Get("/presence/:user_id", staff, s.getPresence)

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case apperr.IsNotFound(err):
		status = fiber.StatusNotFound
	case errors.Is(err, apperr.ErrForbidden):
		status = fiber.StatusForbidden
	case errors.Is(err, apperr.ErrInvalidArgument), errors.Is(err, apperr.ErrMalformedFrame):
		status = fiber.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		status = fiber.StatusUnauthorized
	case errors.Is(err, apperr.ErrPersistFailed):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error(), "code": apperr.Code(err)})
}
