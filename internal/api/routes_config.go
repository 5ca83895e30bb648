package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const redacted = "********"

// handleGetConfig returns the running configuration with passwords redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	server := s.cfg.GetServer()
	if server.Password != "" {
		server.Password = redacted
	}
	if server.AdminPassword != "" {
		server.AdminPassword = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"server":  server,
		"timers":  s.cfg.GetTimers(),
		"api":     s.cfg.GetAPI(),
		"mqtt":    s.cfg.GetMQTT(),
		"logging": s.cfg.GetLogging(),
		"path":    s.cfg.Path(),
	})
}
