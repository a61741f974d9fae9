package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/db"
	"github.com/energizer-project/shardgate/internal/session"
)

// handleDisconnectSession drops a session.
func (s *Server) handleDisconnectSession(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	sess.Disconnect("api")
	s.deps.Sessions.Remove(sess.ID())

	user, _ := c.Get("api_user")
	log.Info().Uint64("session", sess.ID()).Interface("user", user).Msg("API: session disconnected")

	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "id": sess.ID()})
}

type featuresRequest struct {
	Features session.Features `json:"features"`
}

// handleSetSessionFeatures asks a session's owner loop to switch features.
// The change is applied asynchronously and may be deferred until the
// pipeline drains.
func (s *Server) handleSetSessionFeatures(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	var req featuresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !sess.RequestFeatures(req.Features) {
		c.JSON(http.StatusConflict, gin.H{"error": "session closed", "id": sess.ID()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "requested",
		"id":        sess.ID(),
		"requested": req.Features,
	})
}

func (s *Server) accountStore(c *gin.Context) (*db.AccountStore, bool) {
	if s.deps.Accounts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account store unavailable"})
		return nil, false
	}
	return s.deps.Accounts, true
}

func accountError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, db.ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, db.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleListAccounts returns every account.
func (s *Server) handleListAccounts(c *gin.Context) {
	store, ok := s.accountStore(c)
	if !ok {
		return
	}
	accounts, err := store.List(c.Request.Context())
	if err != nil {
		accountError(c, err)
		return
	}
	if accounts == nil {
		accounts = []db.Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": len(accounts)})
}

type accountRequest struct {
	Name     string `json:"name"`
	Password string `json:"password" binding:"required"`
}

// handleCreateAccount creates a login account.
func (s *Server) handleCreateAccount(c *gin.Context) {
	store, ok := s.accountStore(c)
	if !ok {
		return
	}
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acct, err := store.CreateAccount(c.Request.Context(), req.Name, req.Password)
	if err != nil {
		accountError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

// handleBlockAccount blocks or unblocks an account.
func (s *Server) handleBlockAccount(blocked bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		store, ok := s.accountStore(c)
		if !ok {
			return
		}
		name := c.Param("name")
		if err := store.SetBlocked(name, blocked); err != nil {
			accountError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": name, "blocked": blocked})
	}
}

// handleSetPassword replaces an account's password.
func (s *Server) handleSetPassword(c *gin.Context) {
	store, ok := s.accountStore(c)
	if !ok {
		return
	}
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")
	if err := store.SetPassword(name, req.Password); err != nil {
		accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "status": "updated"})
}
