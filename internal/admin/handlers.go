package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetwork/cacheengine/internal/usage"
	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

type viewRequest struct {
	Feature string `json:"feature" binding:"required"`
	Path    string `json:"path"`
	Tenant  string `json:"tenant"`
}

type actionRequest struct {
	Feature string `json:"feature" binding:"required"`
	Action  string `json:"action" binding:"required"`
	Path    string `json:"path"`
	Tenant  string `json:"tenant"`
}

type weightResponse struct {
	Feature  types.Feature `json:"feature"`
	Weight   float64       `json:"weight"`
	CacheTTL string        `json:"cache_ttl"`
}

// Health

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		state, healthy := check()
		components[name] = state
		if !healthy {
			status, code = "degraded", http.StatusPartialContent
		}
	}

	c.JSON(code, gin.H{
		"status":     status,
		"stores":     len(s.registry.Names()),
		"usage":      s.tracker != nil,
		"components": components,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"version":    Version,
	})
}

// Cache

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

func (s *Server) handleStoreStats(c *gin.Context) {
	store, err := s.registry.Member(c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, store.Stats())
}

func (s *Server) handleCleanup(c *gin.Context) {
	total, perStore := s.registry.Cleanup()
	c.JSON(http.StatusOK, gin.H{
		"removed": total,
		"stores":  perStore,
	})
}

func (s *Server) handleClearAll(c *gin.Context) {
	s.registry.ClearAll()
	s.logger.Info("cleared all stores via admin", "subject", c.GetString(ctxSubject))
	c.JSON(http.StatusOK, gin.H{"cleared": s.registry.Names()})
}

func (s *Server) handleClearStore(c *gin.Context) {
	name := c.Param("name")
	removed, err := s.registry.Clear(name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": []string{name}, "removed": removed})
}

func (s *Server) handleInvalidate(c *gin.Context) {
	removed, err := s.registry.InvalidateEntity(c.Param("kind"), c.Param("id"), c.Query("related"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Usage

func (s *Server) session(c *gin.Context, tenant string) (*usage.Session, bool) {
	if s.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage tracking is disabled"})
		return nil, false
	}
	return s.tracker.Session(c.Param("user"), tenant), true
}

func (s *Server) handleRecordView(c *gin.Context) {
	var req viewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, ok := s.session(c, req.Tenant)
	if !ok {
		return
	}

	feature := types.Feature(req.Feature)
	session.RecordView(c.Request.Context(), feature, req.Path)
	c.JSON(http.StatusAccepted, s.weightOf(session, feature))
}

func (s *Server) handleRecordAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action := types.ActionType(req.Action)
	if !action.Valid() {
		s.respondError(c, errors.NewError(errors.ErrCodeValidationFailed, "unknown action").
			WithDetail("action", req.Action))
		return
	}
	session, ok := s.session(c, req.Tenant)
	if !ok {
		return
	}

	feature := types.Feature(req.Feature)
	session.RecordAction(c.Request.Context(), feature, action, req.Path)
	c.JSON(http.StatusAccepted, s.weightOf(session, feature))
}

func (s *Server) handlePriorities(c *gin.Context) {
	limit := 0 // tracker default
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	session, ok := s.session(c, "")
	if !ok {
		return
	}

	features := session.HighPriorityFeatures(limit)
	c.JSON(http.StatusOK, gin.H{
		"user":     session.UserID(),
		"features": features,
		"count":    len(features),
	})
}

func (s *Server) handleWeights(c *gin.Context) {
	session, ok := s.session(c, "")
	if !ok {
		return
	}
	weights := session.AllFeatureWeights()
	c.JSON(http.StatusOK, gin.H{
		"user":    session.UserID(),
		"weights": weights,
		"count":   len(weights),
	})
}

func (s *Server) handleResetUsage(c *gin.Context) {
	session, ok := s.session(c, "")
	if !ok {
		return
	}
	session.Reset(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// Helper methods

func (s *Server) weightOf(session *usage.Session, feature types.Feature) weightResponse {
	return weightResponse{
		Feature:  feature,
		Weight:   session.WeightOf(feature),
		CacheTTL: session.CacheTTLFor(feature).String(),
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	status := errors.GetDefaultHTTPStatus(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}

	body := gin.H{"error": err.Error()}
	if code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}
