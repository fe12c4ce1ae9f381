package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultKickReason is shown when a disconnect request names no reason.
const DefaultKickReason = "Disconnected by an operator"

type disconnectRequest struct {
	Reason string `json:"reason"`
}

// handleDisconnect closes one live session.
func (s *Server) handleDisconnect(c *gin.Context) {
	key := c.Param("key")

	var req disconnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = DefaultKickReason
	}

	p, ok := s.target.Client(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "key": key})
		return
	}
	username := p.Profile().Name

	if !s.target.Kick(key, req.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "key": key})
		return
	}

	s.audit(c, "disconnect", key, req.Reason)
	c.JSON(http.StatusOK, gin.H{
		"status":   "disconnected",
		"key":      key,
		"username": username,
		"reason":   req.Reason,
	})
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

// handleBroadcast sends a system chat message to every player.
func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	n := s.target.BroadcastMessage(c.Request.Context(), req.Message)
	s.audit(c, "broadcast", "", req.Message)
	c.JSON(http.StatusOK, gin.H{
		"status":     "sent",
		"recipients": n,
	})
}
