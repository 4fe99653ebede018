package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"iqoption-trading-bot/internal/gateway"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleAgentStart launches the decision loop. Starting a running agent is a
// no-op that reports the current session.
func (s *Server) handleAgentStart(c *gin.Context) {
	status := s.agent.Start()
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleAgentStop(c *gin.Context) {
	status := s.agent.Stop()
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.agent.Status())
}

// handleDecisions serves the recent decision trail. source=audit reads the
// durable store when one is configured, otherwise the agent's in-memory ring.
func (s *Server) handleDecisions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error_kind": "bad_request",
				"detail":     "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	if c.Query("source") == "audit" {
		if s.decisionLog == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error_kind": "not_configured",
				"detail":     "no audit store configured",
			})
			return
		}
		records, err := s.decisionLog.Recent(c.Request.Context(), c.Query("kind"), limit)
		if err != nil {
			s.logger.Error().Err(err).Msg("audit query failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error_kind": "storage_error",
				"detail":     "audit query failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": records})
		return
	}

	c.JSON(http.StatusOK, gin.H{"decisions": s.agent.RecentDecisions(limit)})
}

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.llm.Registry().Statuses()})
}

// handleCompletion routes a completion through the gateway. Stream=true
// switches the response to server-sent events; failover then happens only
// while the stream opens, and a mid-stream failure ends the event stream with
// an error event rather than splicing in another provider.
func (s *Server) handleCompletion(c *gin.Context) {
	var req gateway.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_kind": "bad_request",
			"detail":     err.Error(),
		})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_kind": "bad_request",
			"detail":     "messages must not be empty",
		})
		return
	}

	if req.Stream {
		s.streamCompletion(c, req)
		return
	}

	resp, err := s.llm.Complete(c.Request.Context(), req)
	if err != nil {
		var exhausted *gateway.ExhaustedError
		if errors.As(err, &exhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error_kind": "gateway_exhausted",
				"detail":     exhausted.Error(),
				"attempts":   exhausted.Attempts,
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error_kind": "gateway_error",
			"detail":     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) streamCompletion(c *gin.Context, req gateway.CompletionRequest) {
	provider, chunks, err := s.llm.CompleteStream(c.Request.Context(), req)
	if err != nil {
		var exhausted *gateway.ExhaustedError
		if errors.As(err, &exhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error_kind": "gateway_exhausted",
				"detail":     exhausted.Error(),
				"attempts":   exhausted.Attempts,
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error_kind": "gateway_error",
			"detail":     err.Error(),
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("provider", gin.H{"provider": provider})
	c.Writer.Flush()

	for chunk := range chunks {
		if chunk.Err != nil {
			c.SSEvent("error", gin.H{
				"error_kind": "stream_interrupted",
				"detail":     chunk.Err.Error(),
			})
			c.Writer.Flush()
			return
		}
		if chunk.Done {
			c.SSEvent("done", gin.H{})
			c.Writer.Flush()
			return
		}
		c.SSEvent("chunk", gin.H{"text": chunk.Text})
		c.Writer.Flush()
	}
}
