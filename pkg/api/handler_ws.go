package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// HandleWS upgrades GET /ws and hands the connection to the fan-out server.
// Blocks for the lifetime of the connection.
func (s *Server) HandleWS(c *gin.Context) {
	if s.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming not available"})
		return
	}

	opts := &websocket.AcceptOptions{}
	for _, origin := range s.cfg.AllowedWSOrigins {
		if origin == "*" {
			// Development mode: accept any origin.
			opts.InsecureSkipVerify = true
			opts.OriginPatterns = nil
			break
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		// Accept already wrote the HTTP error response.
		return
	}

	s.stream.HandleConnection(c.Request.Context(), conn)
}
