package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencourier/relay/pkg/policy"
	"github.com/opencourier/relay/pkg/protocol"
)

// HealthResponse reports basic liveness
type HealthResponse struct {
	Status      string    `json:"status"`
	Identity    string    `json:"identity"`
	Connections int       `json:"connections"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// StatsResponse combines connection and store counters
type StatsResponse struct {
	Success        bool  `json:"success"`
	Connections    int   `json:"connections"`
	StoredMessages int   `json:"storedMessages"`
	StoredBytes    int64 `json:"storedBytes"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Identity:    s.relay.Identity().String(),
		Connections: s.relay.ConnectionCount(),
		CheckedAt:   time.Now(),
	})
}

// handleConnections handles GET /api/v1/relay/connections
func (s *Server) handleConnections(c *gin.Context) {
	states := s.relay.ConnectionStates()
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    states,
	})
}

// handleStats handles GET /api/v1/relay/stats
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.relay.StoreStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Stats unavailable",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, StatsResponse{
		Success:        true,
		Connections:    s.relay.ConnectionCount(),
		StoredMessages: stats.Messages,
		StoredBytes:    stats.TotalBytes,
	})
}

// The API acts with the relay's own identity, which the policy store
// treats as root.

// handleGetPolicy handles GET /api/v1/policies/:name
func (s *Server) handleGetPolicy(c *gin.Context) {
	p, err := s.relay.Policies().GetPolicy(s.relay.Identity(), c.Param("name"))
	if err != nil {
		writePolicyError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: p})
}

// handleSetPolicy handles PUT /api/v1/policies
func (s *Server) handleSetPolicy(c *gin.Context) {
	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid policy",
			Message: err.Error(),
		})
		return
	}
	if p.Name == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Policy name is required",
		})
		return
	}

	if err := s.relay.Policies().SetPolicy(s.relay.Identity(), p); err != nil {
		writePolicyError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Policy " + p.Name + " saved",
	})
}

// handleDeletePolicy handles DELETE /api/v1/policies/:name
func (s *Server) handleDeletePolicy(c *gin.Context) {
	name := c.Param("name")
	if err := s.relay.Policies().DeletePolicy(s.relay.Identity(), name); err != nil {
		writePolicyError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Policy " + name + " deleted",
	})
}

// handleGetUserPolicy handles GET /api/v1/users/:id/policy
func (s *Server) handleGetUserPolicy(c *gin.Context) {
	user, ok := parseUserParam(c)
	if !ok {
		return
	}

	p, err := s.relay.Policies().GetUserPolicy(s.relay.Identity(), user)
	if err != nil {
		writePolicyError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: p})
}

// UserPolicyRequest assigns a named policy to a user
type UserPolicyRequest struct {
	Policy string `json:"policy" binding:"required"`
}

// handleSetUserPolicy handles PUT /api/v1/users/:id/policy
func (s *Server) handleSetUserPolicy(c *gin.Context) {
	user, ok := parseUserParam(c)
	if !ok {
		return
	}

	var req UserPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	if err := s.relay.Policies().SetUserPolicy(s.relay.Identity(), user, req.Policy); err != nil {
		writePolicyError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "User policy updated",
	})
}

func parseUserParam(c *gin.Context) (protocol.Id, bool) {
	user, err := protocol.ParseId(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid identity",
			Message: "Identity must be 64 hex characters",
		})
		return protocol.Id{}, false
	}
	return user, true
}

func writePolicyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, policy.ErrUnknownPolicy):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown policy"})
	case errors.Is(err, policy.ErrPolicyInUse):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Policy is in use"})
	case errors.Is(err, policy.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Not authorized"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Policy operation failed",
			Message: err.Error(),
		})
	}
}
