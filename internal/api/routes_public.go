package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "royale",
		"version": "1.0.0",
	})
}

// handleStatus returns the round state and roster.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"lobby":  s.lobby.Status(),
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleCharts searches the catalogue. An empty query lists every song.
func (s *Server) handleCharts(c *gin.Context) {
	songs := s.lobby.Search(c.Query("q"))
	c.JSON(http.StatusOK, gin.H{
		"songs": songs,
		"total": len(songs),
	})
}
