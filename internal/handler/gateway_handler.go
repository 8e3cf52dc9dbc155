package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/Wei-Shaw/coprox/internal/domain"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"
	"github.com/Wei-Shaw/coprox/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const streamingAdvisory = "Streaming responses are not supported by this proxy. " +
	`Set "stream": false and retry the request.`

// GatewayHandler exposes the OpenAI-compatible surface: chat completions and
// the model listing.
type GatewayHandler struct {
	gatewayService *service.GatewayService
	stats          *service.ProxyStats
	usagePool      *service.UsageRecordWorkerPool
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(gatewayService *service.GatewayService, stats *service.ProxyStats, usagePool *service.UsageRecordWorkerPool) *GatewayHandler {
	return &GatewayHandler{
		gatewayService: gatewayService,
		stats:          stats,
		usagePool:      usagePool,
	}
}

// ChatCompletions handles POST /v1/chat/completions and /chat/completions.
func (h *GatewayHandler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 || !gjson.ValidBytes(body) {
		h.errorResponse(c, http.StatusBadRequest, "Request body must be valid JSON")
		return
	}

	parsed := gjson.ParseBytes(body)

	model := parsed.Get("model")
	if !model.Exists() {
		h.errorResponse(c, http.StatusBadRequest, "Missing required field: model")
		return
	}

	messages := parsed.Get("messages")
	if !messages.Exists() {
		h.errorResponse(c, http.StatusBadRequest, "Missing required field: messages")
		return
	}
	if !messages.IsArray() || len(messages.Array()) == 0 {
		h.errorResponse(c, http.StatusBadRequest, "Field 'messages' must be a non-empty array")
		return
	}

	// Streaming is not forwarded; reply with an advisory the client can
	// surface instead of a broken SSE stream.
	if parsed.Get("stream").Bool() {
		c.JSON(http.StatusOK, gin.H{
			"choices": []gin.H{
				{"message": gin.H{"role": "assistant", "content": streamingAdvisory}},
			},
		})
		return
	}

	result, err := h.gatewayService.ForwardChatCompletions(c.Request.Context(), body, model.String())
	if err != nil {
		if errors.Is(err, domain.ErrNoTokensAvailable) {
			h.errorResponse(c, http.StatusServiceUnavailable, "No authentication tokens available")
			return
		}
		h.stats.IncrementRequests()
		h.stats.IncrementFailed()
		h.usagePool.Submit(service.UsageRecord{Model: model.String(), Failed: true})
		logger.L().Error("chat forward failed", zap.Error(err))
		h.errorResponse(c, http.StatusInternalServerError, "Upstream request failed: "+err.Error())
		return
	}

	h.stats.IncrementRequests()
	if result.Status >= http.StatusInternalServerError {
		h.stats.IncrementFailed()
	}
	h.usagePool.Submit(service.UsageRecord{
		Model:    model.String(),
		Status:   result.Status,
		Failed:   result.Status >= http.StatusInternalServerError,
		TokenFP:  result.TokenFP,
		Duration: result.Duration,
		Body:     result.Body,
	})

	c.Data(result.Status, result.ContentType, result.Body)
}

// Models handles GET /models, relaying the upstream listing verbatim.
func (h *GatewayHandler) Models(c *gin.Context) {
	result, err := h.gatewayService.ForwardModels(c.Request.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNoTokensAvailable) {
			h.errorResponse(c, http.StatusServiceUnavailable, "No authentication tokens available")
			return
		}
		logger.L().Error("models forward failed", zap.Error(err))
		h.errorResponse(c, http.StatusInternalServerError, "Upstream request failed: "+err.Error())
		return
	}
	c.Data(result.Status, result.ContentType, result.Body)
}

// errorResponse writes the fixed proxy error envelope.
func (h *GatewayHandler) errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "internal_error",
		},
	})
}
