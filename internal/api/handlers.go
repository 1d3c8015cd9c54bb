package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/ops-relay/internal/apperr"
	"github.com/fathima-sithara/ops-relay/internal/auth"
	"github.com/fathima-sithara/ops-relay/internal/models"
	"github.com/fathima-sithara/ops-relay/internal/notify"
	"github.com/fathima-sithara/ops-relay/internal/readstate"
	"github.com/fathima-sithara/ops-relay/internal/router"
)

func viewerOf(id auth.Identity) readstate.Viewer {
	if id.IsStaff() {
		return readstate.Viewer{Role: models.SenderAdmin, UserID: id.UserID}
	}
	return readstate.Viewer{Role: models.SenderUser, UserID: id.UserID}
}

// access loads the conversation and checks that id may see it.
func (s *Server) access(c *fiber.Ctx, id auth.Identity, conversationID string) (*models.Conversation, error) {
	conv, err := s.Store.GetConversation(c.UserContext(), conversationID)
	if err != nil {
		return nil, err
	}
	if !id.IsStaff() && conv.UserID != id.UserID {
		return nil, apperr.ErrForbidden
	}
	return conv, nil
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	id, _ := auth.FromCtx(c)
	f := models.ConversationFilter{
		Status: models.ConversationStatus(c.Query("status")),
		Search: c.Query("q"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return writeErr(c, fmt.Errorf("%w: status %q", apperr.ErrInvalidArgument, f.Status))
	}
	if !id.IsStaff() {
		f.UserID = id.UserID
	}
	convs, err := s.Store.ListConversations(c.UserContext(), f)
	if err != nil {
		return writeErr(c, err)
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

type sendReq struct {
	Body     string `json:"body" validate:"required,max=8000"`
	ClientID string `json:"client_id" validate:"max=128"`
	Category string `json:"category" validate:"max=64"`
}

func (s *Server) openConversation(c *fiber.Ctx) error {
	id, _ := auth.FromCtx(c)
	if id.Role != auth.RoleUser {
		return writeErr(c, fmt.Errorf("%w: only users open conversations", apperr.ErrForbidden))
	}
	var req sendReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	d, err := s.Router.RouteUserMessage(c.UserContext(), router.Inbound{
		SenderID: id.UserID,
		Body:     req.Body,
		ClientID: req.ClientID,
		Category: req.Category,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	id, _ := auth.FromCtx(c)
	conv, err := s.access(c, id, c.Params("id"))
	if err != nil {
		return writeErr(c, err)
	}
	msgs, err := s.Store.ListMessages(c.UserContext(), conv.ID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"conversation": conv, "messages": msgs})
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	id, _ := auth.FromCtx(c)
	var req sendReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	in := router.Inbound{
		SenderID:       id.UserID,
		ConversationID: c.Params("id"),
		Body:           req.Body,
		ClientID:       req.ClientID,
	}
	var (
		d   *router.Delivery
		err error
	)
	switch id.Role {
	case auth.RoleUser:
		d, err = s.Router.RouteUserMessage(c.UserContext(), in)
	case auth.RoleAdmin:
		d, err = s.Router.RouteAdminMessage(c.UserContext(), in)
	default:
		err = fmt.Errorf("%w: role %q cannot chat", apperr.ErrForbidden, id.Role)
	}
	if err != nil {
		return writeErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	id, _ := auth.FromCtx(c)
	conv, err := s.access(c, id, c.Params("id"))
	if err != nil {
		return writeErr(c, err)
	}
	marked, err := s.Router.MarkRead(c.UserContext(), conv.ID, viewerOf(id).Role)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"conversation_id": conv.ID, "marked": marked})
}

func (s *Server) conversationUnread(c *fiber.Ctx) error {
	id, _ := auth.FromCtx(c)
	conv, err := s.access(c, id, c.Params("id"))
	if err != nil {
		return writeErr(c, err)
	}
	n, err := s.Reads.UnreadCountFor(c.UserContext(), viewerOf(id).Role, conv.ID)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"conversation_id": conv.ID, "count": n})
}

func (s *Server) globalUnread(c *fiber.Ctx) error {
	id, _ := auth.FromCtx(c)
	v := viewerOf(id)
	per, err := s.Reads.UnreadByConversation(c.UserContext(), v)
	if err != nil {
		return writeErr(c, err)
	}
	total := 0
	for _, n := range per {
		total += n
	}
	return c.JSON(fiber.Map{"total": total, "conversations": per})
}

type updateReq struct {
	Status     *models.ConversationStatus `json:"status" validate:"omitempty,oneof=active waiting closed"`
	Priority   *models.Priority           `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	AssignedTo *string                    `json:"assigned_to" validate:"omitempty,max=128"`
}

func (s *Server) updateConversation(c *fiber.Ctx) error {
	var req updateReq
	if ok, err := bind(c, &req); !ok {
		return err
	}
	if req.Status == nil && req.Priority == nil && req.AssignedTo == nil {
		return writeErr(c, fmt.Errorf("%w: nothing to update", apperr.ErrInvalidArgument))
	}

	ctx, convID := c.UserContext(), c.Params("id")
	var (
		conv *models.Conversation
		err  error
	)
	if req.Status != nil {
		if conv, err = s.Router.UpdateStatus(ctx, convID, *req.Status); err != nil {
			return writeErr(c, err)
		}
	}
	if req.Priority != nil {
		if conv, err = s.Router.UpdatePriority(ctx, convID, *req.Priority); err != nil {
			return writeErr(c, err)
		}
	}
	if req.AssignedTo != nil {
		if conv, err = s.Router.Assign(ctx, convID, strings.TrimSpace(*req.AssignedTo)); err != nil {
			return writeErr(c, err)
		}
	}
	return c.JSON(conv)
}

func (s *Server) deleteConversation(c *fiber.Ctx) error {
	if err := s.Router.DeleteConversation(c.UserContext(), c.Params("id")); err != nil {
		return writeErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	if _, err := s.Router.DeleteMessage(c.UserContext(), c.Params("id")); err != nil {
		return writeErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) listNotifications(c *fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return writeErr(c, fmt.Errorf("%w: limit %q", apperr.ErrInvalidArgument, raw))
		}
		limit = n
	}
	list, err := s.Broadcaster.List(c.UserContext(), c.Query("since"), limit)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"notifications": list})
}

func (s *Server) unreadNotifications(c *fiber.Ctx) error {
	n, err := s.Broadcaster.UnreadCount(c.UserContext())
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"count": n})
}

func (s *Server) markNotificationRead(c *fiber.Ctx) error {
	n, err := s.Broadcaster.MarkRead(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(n)
}

func (s *Server) markAllNotificationsRead(c *fiber.Ctx) error {
	n, err := s.Broadcaster.MarkAllRead(c.UserContext())
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"marked": n})
}

func (s *Server) publishEvent(c *fiber.Ctx) error {
	var ev notify.Event
	if err := c.BodyParser(&ev); err != nil {
		return writeErr(c, fmt.Errorf("%w: invalid payload", apperr.ErrInvalidArgument))
	}
	n, err := s.Broadcaster.Publish(c.UserContext(), ev)
	if err != nil {
		return writeErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(n)
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	if s.Presence == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "presence disabled"})
	}
	p, err := s.Presence.GetPresence(c.UserContext(), c.Params("user_id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(p)
}
