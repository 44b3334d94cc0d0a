package stream

import (
	"context"
	"strconv"

	"fieldops-patrol/internal/auth"
	"fieldops-patrol/internal/protocol"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes mounts the tracking channel at /:namespace and the location
// history at /guards/:id/locations.
func RegisterRoutes(r fiber.Router, hub *Hub, wsAuth, restAuth fiber.Handler) {
	r.Get("/guards/:id/locations", restAuth, func(c *fiber.Ctx) error {
		if hub.opts.Store == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "location history disabled")
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		points, err := hub.opts.Store.Recent(c.Context(), c.Params("id"), limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(points)
	})

	r.Get("/:namespace", func(c *fiber.Ctx) error {
		switch c.Params("namespace") {
		case protocol.NamespaceTracking, protocol.NamespaceTrackingV2:
		default:
			return fiber.NewError(fiber.StatusNotFound, "unknown namespace")
		}
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}, wsAuth, websocket.New(func(c *websocket.Conn) {
		guardID, _ := c.Locals(auth.LocalGuardID).(string)
		client := hub.Register(guardID, c.Params("namespace"))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					// Unblock the reader so the client gets unregistered.
					_ = c.Close()
					break
				}
			}
			for range client.Send {
			}
		}()

		ctx := context.Background()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				break
			}
			env, err := protocol.Decode(data)
			if err != nil {
				client.fail("", protocol.CodeBadRequest, "malformed frame", 0)
				continue
			}
			hub.Handle(ctx, client, env)
		}
		hub.Unregister(client)
		<-done
	}))
}
