package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/royale-project/royale/internal/util"
)

// handleHost returns host metadata, the address clients should dial and the
// server process's resource usage.
func (s *Server) handleHost(c *gin.Context) {
	ip, _ := util.GetLocalIP()
	c.JSON(http.StatusOK, gin.H{
		"system":  util.GetSystemInfo(),
		"address": gin.H{"ip": ip, "port": s.cfg.GetServer().Port},
		"process": util.GetProcessUsage(),
	})
}
