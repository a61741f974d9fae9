package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
)

const redacted = "********"

// handleGetConfig returns the current configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	apiCfg := s.cfg.GetAPI()
	if apiCfg.Token != "" {
		apiCfg.Token = redacted
	}
	mqttCfg := s.cfg.GetMQTT()
	if mqttCfg.Password != "" {
		mqttCfg.Password = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"network":  s.cfg.GetNetwork(),
		"protocol": s.cfg.GetProtocol(),
		"shards":   s.cfg.GetShards(),
		"database": s.cfg.GetDatabase(),
		"api":      apiCfg,
		"mqtt":     mqttCfg,
		"timers":   s.cfg.GetTimers(),
		"logging":  s.cfg.GetLogging(),
	})
}

// handleListPolicies returns the version policies in ascending order.
func (s *Server) handleListPolicies(c *gin.Context) {
	if s.deps.Policies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy store unavailable"})
		return
	}
	policies := s.deps.Policies.List()
	c.JSON(http.StatusOK, gin.H{"policies": policies, "total": len(policies)})
}

type policyRequest struct {
	MinVersion string   `json:"min_version" binding:"required"`
	Features   []string `json:"features"`
	Note       string   `json:"note"`
}

// handleSetPolicy inserts or replaces a version policy. It applies to new
// handshakes only.
func (s *Server) handleSetPolicy(c *gin.Context) {
	if s.deps.Policies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy store unavailable"})
		return
	}
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	version, err := protocol.ParseClientVersion(req.MinVersion)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	policy := db.Policy{MinVersion: version, Note: req.Note}
	if policy.Features, err = session.ParseFeatures(req.Features); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Policies.Set(c.Request.Context(), policy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	user, _ := c.Get("api_user")
	log.Info().Str("version", version.String()).Str("features", policy.Features.String()).
		Interface("user", user).Msg("API: version policy updated")

	c.JSON(http.StatusOK, policy)
}

// handleDeletePolicy removes the policy starting at :version.
func (s *Server) handleDeletePolicy(c *gin.Context) {
	if s.deps.Policies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy store unavailable"})
		return
	}
	version, err := protocol.ParseClientVersion(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Policies.Delete(c.Request.Context(), version); err != nil {
		if errors.Is(err, db.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "min_version": version.String()})
}
