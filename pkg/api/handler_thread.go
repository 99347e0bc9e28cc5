package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
)

// GetTranscript handles GET /api/v1/threads/:threadID/transcript.
//
// Query parameters:
//   - branch: "active" (default) or "all"
//   - selections: JSON object mapping fork message IDs to child message IDs;
//     implies selections mode
func (s *Server) GetTranscript(c *gin.Context) {
	branch, ok := parseBranch(c)
	if !ok {
		return
	}

	messages, err := s.ledger.GetTranscript(c.Request.Context(), ledger.TranscriptQuery{
		ThreadID: c.Param("threadID"),
		Branch:   branch,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// GetThreadTree handles GET /api/v1/threads/:threadID/tree.
func (s *Server) GetThreadTree(c *gin.Context) {
	tree, err := s.ledger.GetThreadTree(c.Request.Context(), c.Param("threadID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// ListRuns handles GET /api/v1/threads/:threadID/runs.
func (s *Server) ListRuns(c *gin.Context) {
	runs, err := s.ledger.ListRuns(c.Request.Context(), c.Param("threadID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// DeleteThread handles DELETE /api/v1/threads/:threadID.
func (s *Server) DeleteThread(c *gin.Context) {
	if err := s.ledger.DeleteThread(c.Request.Context(), c.Param("threadID")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseBranch(c *gin.Context) (models.Branch, bool) {
	if raw := c.Query("selections"); raw != "" {
		selections := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &selections); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "selections must be a JSON object of fork message ID to child message ID"})
			return models.Branch{}, false
		}
		return models.Branch{Mode: models.BranchSelections, Selections: selections}, true
	}

	switch c.DefaultQuery("branch", string(models.BranchActive)) {
	case string(models.BranchAll):
		return models.Branch{Mode: models.BranchAll}, true
	case string(models.BranchActive):
		return models.ActiveBranch(), true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "branch must be active or all"})
		return models.Branch{}, false
	}
}
