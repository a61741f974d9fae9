package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/shardgate/internal/util"
)

// Version is reported by the public endpoints.
const Version = "1.0.0"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "shardgate",
		"version": Version,
	})
}

// handleGetInfo returns the gateway's public face: listener, default client
// version and the advertised shards.
func (s *Server) handleGetInfo(c *gin.Context) {
	network := s.cfg.GetNetwork()
	sysInfo := util.GetSystemInfo()

	var shards []gin.H
	for _, sh := range s.cfg.GetShards() {
		shards = append(shards, gin.H{"name": sh.Name, "timezone": sh.Timezone})
	}

	sessions := 0
	if s.deps.Sessions != nil {
		sessions = s.deps.Sessions.Count()
	}

	c.JSON(http.StatusOK, gin.H{
		"version":         Version,
		"listen_port":     network.Port,
		"default_client":  s.cfg.GetProtocol().DefaultVersion,
		"shards":          shards,
		"online_sessions": sessions,
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
	})
}
