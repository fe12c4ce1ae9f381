package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/bedrock/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
		"version": util.AppVersion,
	})
}

// handleAdvertisement returns what the server answers to game pings, both
// decoded and in wire form.
func (s *Server) handleAdvertisement(c *gin.Context) {
	ad := s.target.Advertisement()
	c.JSON(http.StatusOK, gin.H{
		"advertisement": ad,
		"raw":           ad.String(),
	})
}
