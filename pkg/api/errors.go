package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chroniclehq/chronicle/pkg/ledger"
)

// respondError maps domain sentinels onto HTTP statuses. Unknown errors are
// internal: the message is surfaced, the cause is for the logs.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
