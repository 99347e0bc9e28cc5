package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/reconcile"
)

// BeginRunRequest is the body of POST /api/v1/threads/:threadID/runs.
type BeginRunRequest struct {
	ForkFromMessageID string `json:"forkFromMessageId"`
}

// BeginRun opens and activates a run for the thread.
func (s *Server) BeginRun(c *gin.Context) {
	var req BeginRunRequest
	// An empty body is a plain root run.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	run, err := s.runs.BeginRun(c.Request.Context(), ledger.BeginRunRequest{
		ThreadID:          c.Param("threadID"),
		ForkFromMessageID: req.ForkFromMessageID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// GetRun handles GET /api/v1/runs/:runID.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.ledger.GetRun(c.Request.Context(), c.Param("runID"))
	if err != nil {
		respondError(c, err)
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// AppendEventsRequest is the body of POST /api/v1/runs/:runID/events.
type AppendEventsRequest struct {
	Events []models.AgentEvent `json:"events" binding:"required"`
}

// AppendEvents durably appends a batch to the run's stream and fans it out
// to live subscribers.
func (s *Server) AppendEvents(c *gin.Context) {
	var req AppendEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := s.runs.AppendEvents(c.Request.Context(), c.Param("runID"), req.Events)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": stored})
}

// FinalizeRunRequest is the body of POST /api/v1/runs/:runID/finalize.
type FinalizeRunRequest struct {
	Status models.RunStatus `json:"status" binding:"required"`
}

// FinalizeRun drives the run to a terminal status; committing folds the
// stream into transcript messages.
func (s *Server) FinalizeRun(c *gin.Context) {
	var req FinalizeRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.runs.FinalizeRun(c.Request.Context(), c.Param("runID"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListStaleRuns handles GET /api/v1/runs/stale.
//
// Query parameters:
//   - threadId: restrict to one thread
//   - olderThanMs: staleness threshold, default 5 minutes
func (s *Server) ListStaleRuns(c *gin.Context) {
	q := reconcile.Query{ThreadID: c.Query("threadId")}
	if raw := c.Query("olderThanMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "olderThanMs must be a non-negative integer"})
			return
		}
		q.OlderThan = time.Duration(ms) * time.Millisecond
	}

	stale, err := reconcile.ListStaleRuns(c.Request.Context(), s.ledger, q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"staleRuns": stale})
}

// RecoverRunRequest is the body of POST /api/v1/runs/:runID/recover.
type RecoverRunRequest struct {
	Action ledger.RecoverAction `json:"action" binding:"required"`
}

// RecoverRun forces an abandoned run to failed or cancelled.
func (s *Server) RecoverRun(c *gin.Context) {
	var req RecoverRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.ledger.RecoverRun(c.Request.Context(), ledger.RecoverRequest{
		RunID:  c.Param("runID"),
		Action: req.Action,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
