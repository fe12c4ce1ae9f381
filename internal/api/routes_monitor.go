package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/db"
	"github.com/energizer-project/bedrock/internal/server"
	"github.com/energizer-project/bedrock/internal/util"
)

// SessionView is the API form of a live session.
type SessionView struct {
	Session      string    `json:"session"`
	Key          string    `json:"key"`
	Remote       string    `json:"remote"`
	State        string    `json:"state"`
	Username     string    `json:"username,omitempty"`
	XUID         string    `json:"xuid,omitempty"`
	Version      string    `json:"version"`
	Protocol     int       `json:"protocol"`
	EntityID     int64     `json:"entity_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// NewSessionView summarizes a player.
func NewSessionView(p *server.Player) SessionView {
	prof := p.Profile()
	return SessionView{
		Session:      p.ID().String(),
		Key:          p.Key(),
		Remote:       p.RemoteAddr().String(),
		State:        p.State().String(),
		Username:     prof.Name,
		XUID:         prof.XUID,
		Version:      p.Version(),
		Protocol:     p.Protocol(),
		EntityID:     p.EntityID(),
		ConnectedAt:  p.ConnectedAt(),
		LastActivity: p.LastActivity(),
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.target.Status())
}

// handleGetSessions lists the live sessions.
func (s *Server) handleGetSessions(c *gin.Context) {
	players := s.target.Clients()
	views := make([]SessionView, 0, len(players))
	for _, p := range players {
		views = append(views, NewSessionView(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": views,
		"total":    len(views),
	})
}

// handleGetHistory returns recorded sessions, optionally of one username.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}

	username := c.Query("username")
	var recs []db.SessionRecord
	if username != "" {
		recs, err = s.history.ByUsername(username, limit)
	} else {
		recs, err = s.history.Recent(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": recs})
}

// handleRemotePing pings another server and returns its advertisement.
func (s *Server) handleRemotePing(c *gin.Context) {
	if s.pinger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remote ping is disabled"})
		return
	}

	host := c.Query("host")
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host is required"})
		return
	}
	port, err := strconv.Atoi(c.DefaultQuery("port", strconv.Itoa(config.DefaultPort)))
	if err != nil || port < 1 || port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
		return
	}

	start := time.Now()
	ad, err := s.pinger.Ping(c.Request.Context(), host, port)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"advertisement": ad,
		"latency_ms":    time.Since(start).Milliseconds(),
	})
}

// handleSystem returns host and process resource usage.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}

	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	if proc, err := util.GetProcessUsage(); err == nil {
		resp["process"] = proc
	}
	if s.history != nil {
		if disk, err := util.GetDiskUsage("."); err == nil {
			resp["disk"] = disk
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleHealth returns the latest health check results. The status is 503
// while any check is failing.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks are disabled"})
		return
	}
	status := http.StatusOK
	if !s.health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": s.health.Healthy(),
		"checks":  s.health.Results(),
	})
}
