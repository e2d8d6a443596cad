package gateway

import (
	"strconv"

	"github.com/example/realtime-chat/modules/analytics"
	"github.com/example/realtime-chat/modules/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

const (
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

// setupRoutes configures all HTTP routes.
func (m *GatewayModule) setupRoutes(app *fiber.App) {
	app.Get("/health", m.healthHandler)

	if m.core != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.core.Metrics().Handler()))

		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws", websocket.New(m.handleWebSocket, websocket.Config{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		}))
	}

	api := app.Group("/api/v1")
	api.Use(AuthMiddleware(m.auth))
	if m.config.APIRateLimit > 0 {
		api.Use(m.apiLimiter())
	}

	api.Post("/rooms", m.createRoom)
	api.Get("/rooms", m.listRooms)
	api.Get("/rooms/:id", m.getRoom)
	api.Put("/rooms/:id", m.updateRoom)
	api.Delete("/rooms/:id", m.deleteRoom)
	api.Post("/rooms/:id/members", m.addMember)
	api.Delete("/rooms/:id/members/:userId", m.removeMember)
	api.Put("/rooms/:id/members/:userId", m.setRole)
	api.Post("/rooms/:id/owner", m.transferOwnership)
	api.Get("/rooms/:id/messages", m.getHistory)
	api.Post("/rooms/:id/messages", m.sendMessage)
	api.Get("/rooms/:id/stats", m.roomStats)
	api.Get("/messages/:id", m.getMessage)
	api.Get("/users/:id/presence", m.userPresence)
	api.Get("/stats/summary", m.statsSummary)
	api.Get("/activity", m.recentActivity)
}

// healthHandler handles GET /health.
func (m *GatewayModule) healthHandler(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:  "healthy",
		Details: m.details(),
	})
}

// createRoom handles POST /api/v1/rooms.
func (m *GatewayModule) createRoom(c *fiber.Ctx) error {
	var body CreateRoomBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}

	room, err := m.chat.CreateRoom(c.UserContext(), &chat.CreateRoomRequest{
		UserID:      currentUser(c).UserID,
		Name:        body.Name,
		Description: body.Description,
		Type:        body.Type,
		Members:     body.Members,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(room)
}

// listRooms handles GET /api/v1/rooms.
func (m *GatewayModule) listRooms(c *fiber.Ctx) error {
	rooms, err := m.chat.ListRooms(c.UserContext(), currentUser(c).UserID)
	if err != nil {
		return respondError(c, err)
	}
	if rooms == nil {
		rooms = []chat.RoomView{}
	}
	return c.JSON(RoomListResponse{Rooms: rooms, Total: len(rooms)})
}

// getRoom handles GET /api/v1/rooms/:id.
func (m *GatewayModule) getRoom(c *fiber.Ctx) error {
	resp, err := m.chat.GetRoom(c.UserContext(), currentUser(c).UserID, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(RoomDetailResponse{Room: resp.Room, Members: resp.Members})
}

// updateRoom handles PUT /api/v1/rooms/:id. Owners and admins only.
func (m *GatewayModule) updateRoom(c *fiber.Ctx) error {
	var body UpdateRoomBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if body.Name == nil && body.Description == nil && body.Type == nil {
		return badRequest(c, "name, description or type is required")
	}

	room, err := m.chat.UpdateRoom(c.UserContext(), &chat.UpdateRoomRequest{
		UserID:      currentUser(c).UserID,
		RoomID:      c.Params("id"),
		Name:        body.Name,
		Description: body.Description,
		Type:        body.Type,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(room)
}

// deleteRoom handles DELETE /api/v1/rooms/:id. Owner only.
func (m *GatewayModule) deleteRoom(c *fiber.Ctx) error {
	if err := m.chat.DeleteRoom(c.UserContext(), currentUser(c).UserID, c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(ActionResponse{Status: "deleted"})
}

// addMember handles POST /api/v1/rooms/:id/members.
func (m *GatewayModule) addMember(c *fiber.Ctx) error {
	var body AddMemberBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if body.UserID == "" {
		return badRequest(c, "user_id is required")
	}

	err := m.chat.AddMember(c.UserContext(), &chat.MemberRequest{
		UserID:   currentUser(c).UserID,
		RoomID:   c.Params("id"),
		TargetID: body.UserID,
		Role:     body.Role,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ActionResponse{Status: "added"})
}

// removeMember handles DELETE /api/v1/rooms/:id/members/:userId.
func (m *GatewayModule) removeMember(c *fiber.Ctx) error {
	err := m.chat.RemoveMember(c.UserContext(), &chat.MemberRequest{
		UserID:   currentUser(c).UserID,
		RoomID:   c.Params("id"),
		TargetID: c.Params("userId"),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ActionResponse{Status: "removed"})
}

// setRole handles PUT /api/v1/rooms/:id/members/:userId.
func (m *GatewayModule) setRole(c *fiber.Ctx) error {
	var body SetRoleBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}

	err := m.chat.SetRole(c.UserContext(), &chat.MemberRequest{
		UserID:   currentUser(c).UserID,
		RoomID:   c.Params("id"),
		TargetID: c.Params("userId"),
		Role:     body.Role,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ActionResponse{Status: "updated"})
}

// transferOwnership handles POST /api/v1/rooms/:id/owner.
func (m *GatewayModule) transferOwnership(c *fiber.Ctx) error {
	var body TransferOwnershipBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if body.UserID == "" {
		return badRequest(c, "user_id is required")
	}

	err := m.chat.TransferOwnership(c.UserContext(), &chat.MemberRequest{
		UserID:   currentUser(c).UserID,
		RoomID:   c.Params("id"),
		TargetID: body.UserID,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ActionResponse{Status: "transferred"})
}

// getHistory handles GET /api/v1/rooms/:id/messages.
func (m *GatewayModule) getHistory(c *fiber.Ctx) error {
	roomID := c.Params("id")

	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxHistoryLimit {
			limit = parsed
		}
	}
	var before int64
	if b := c.Query("before"); b != "" {
		parsed, err := strconv.ParseInt(b, 10, 64)
		if err != nil || parsed < 0 {
			return badRequest(c, "before must be a non-negative sequence number")
		}
		before = parsed
	}

	messages, err := m.chat.History(c.UserContext(), &chat.HistoryRequest{
		UserID:    currentUser(c).UserID,
		RoomID:    roomID,
		BeforeSeq: before,
		Limit:     limit,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(HistoryResponse{RoomID: roomID, Messages: messages})
}

// sendMessage handles POST /api/v1/rooms/:id/messages.
func (m *GatewayModule) sendMessage(c *fiber.Ctx) error {
	var body SendMessageBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}

	resp, err := m.chat.SendMessage(c.UserContext(), &chat.SendMessageRequest{
		UserID:      currentUser(c).UserID,
		RoomID:      c.Params("id"),
		Content:     body.Content,
		ReplyTo:     body.ReplyTo,
		Type:        body.Type,
		Attachments: body.Attachments,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(resp.Message)
}

// getMessage handles GET /api/v1/messages/:id.
func (m *GatewayModule) getMessage(c *fiber.Ctx) error {
	resp, err := m.chat.GetMessage(c.UserContext(), currentUser(c).UserID, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	reactions := resp.Reactions
	if reactions == nil {
		reactions = []protocol.ReactionSummary{}
	}
	return c.JSON(MessageDetailResponse{Message: resp.Message, Reactions: reactions})
}

// roomStats handles GET /api/v1/rooms/:id/stats. The caller must be able to
// see the room.
func (m *GatewayModule) roomStats(c *fiber.Ctx) error {
	roomID := c.Params("id")
	if _, err := m.chat.GetRoom(c.UserContext(), currentUser(c).UserID, roomID); err != nil {
		return respondError(c, err)
	}

	stats, err := m.analytics.RoomStats(c.UserContext(), roomID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

// userPresence handles GET /api/v1/users/:id/presence.
func (m *GatewayModule) userPresence(c *fiber.Ctx) error {
	userID := c.Params("id")
	status, err := m.chat.Presence(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(PresenceResponse{UserID: userID, Status: string(status)})
}

// statsSummary handles GET /api/v1/stats/summary.
func (m *GatewayModule) statsSummary(c *fiber.Ctx) error {
	summary, err := m.analytics.Summary(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}

// recentActivity handles GET /api/v1/activity. Only activity in the caller's
// rooms, or about the caller, is returned.
func (m *GatewayModule) recentActivity(c *fiber.Ctx) error {
	limit := defaultActivityLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxActivityLimit {
			limit = parsed
		}
	}

	userID := currentUser(c).UserID
	rooms, err := m.chat.ListRooms(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	visible := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		visible[r.ID] = struct{}{}
	}

	// Filtering shrinks the page, so ask analytics for its maximum.
	all, err := m.analytics.RecentActivity(c.UserContext(), maxActivityLimit*2)
	if err != nil {
		return respondError(c, err)
	}
	activity := make([]analytics.Activity, 0, limit)
	for i := len(all) - 1; i >= 0 && len(activity) < limit; i-- {
		a := all[i]
		if _, ok := visible[a.RoomID]; ok || (a.RoomID == "" && a.UserID == userID) {
			activity = append(activity, a)
		}
	}
	return c.JSON(ActivityResponse{Activity: activity, Total: len(activity)})
}
