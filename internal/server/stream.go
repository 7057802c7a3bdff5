package server

import (
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	At int64 `json:"at"`
}

// handleNotificationStream relays the caller's subscription notifications as server-sent events.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.hub.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(wire.EventHeartbeat, heartbeatPayload{At: time.Now().UTC().Unix()})
	c.Writer.Flush()

	h.logger.Debug("notification stream opened", zap.String("user_id", userID))
	defer h.logger.Debug("notification stream closed", zap.String("user_id", userID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(wire.EventNotification, notification)
			return true
		case tick := <-ticker.C:
			c.SSEvent(wire.EventHeartbeat, heartbeatPayload{At: tick.UTC().Unix()})
			return true
		}
	})
}
