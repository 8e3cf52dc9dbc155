package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wei-Shaw/coprox/internal/config"
	"github.com/Wei-Shaw/coprox/internal/domain"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

const forwardMaxBodyLen = 8 << 20

// preservedModelMarkers are model-name substrings whose requested name is
// restored on the response, because the upstream reports an internal id.
var preservedModelMarkers = []string{"claude-3.5-sonnet", "gpt-4o"}

// ForwardResult is the upstream reply, ready to relay to the client.
type ForwardResult struct {
	Status      int
	Body        []byte
	ContentType string
	TokenFP     string
	Duration    time.Duration
}

// GatewayService selects a credential and forwards client requests to the
// vendor API.
type GatewayService struct {
	pool         *CredentialPool
	httpUpstream HTTPUpstream
}

// NewGatewayService creates a GatewayService.
func NewGatewayService(pool *CredentialPool, httpUpstream HTTPUpstream) *GatewayService {
	return &GatewayService{pool: pool, httpUpstream: httpUpstream}
}

// ForwardChatCompletions posts the client body to the upstream chat endpoint
// with the selected credential. On success the response model name is
// restored to the requested one when the request named a preserved model.
func (s *GatewayService) ForwardChatCompletions(ctx context.Context, body []byte, requestedModel string) (*ForwardResult, error) {
	token, ok := s.pool.GetCurrent()
	if !ok {
		return nil, domain.ErrNoTokensAvailable
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.ChatCompletionsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	applyCopilotHeaders(req)

	resp, err := s.httpUpstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream chat request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, forwardMaxBodyLen))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	fp := TokenFingerprint(token)
	if s.markExhaustedOnQuotaSignal(resp.StatusCode, respBody, token) {
		logger.L().Warn("credential exhausted by upstream signal",
			zap.String("token_fp", fp),
			zap.Int("status", resp.StatusCode),
		)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if !gjson.ValidBytes(respBody) {
			return nil, fmt.Errorf("%w: upstream chat body is not valid JSON", domain.ErrMalformedResponse)
		}
		respBody = rewriteModelName(respBody, requestedModel)
	}

	return &ForwardResult{
		Status:      resp.StatusCode,
		Body:        respBody,
		ContentType: contentTypeOf(resp),
		TokenFP:     fp,
		Duration:    time.Since(start),
	}, nil
}

// ForwardModels relays the upstream model listing verbatim.
func (s *GatewayService) ForwardModels(ctx context.Context) (*ForwardResult, error) {
	token, ok := s.pool.GetCurrent()
	if !ok {
		return nil, domain.ErrNoTokensAvailable
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.ModelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	applyCopilotHeaders(req)

	resp, err := s.httpUpstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream models request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, forwardMaxBodyLen))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return &ForwardResult{
		Status:      resp.StatusCode,
		Body:        respBody,
		ContentType: contentTypeOf(resp),
		TokenFP:     TokenFingerprint(token),
		Duration:    time.Since(start),
	}, nil
}

// rewriteModelName restores the requested model name on the response when the
// request named one of the preserved models. The rest of the body passes
// through untouched.
func rewriteModelName(respBody []byte, requestedModel string) []byte {
	lower := strings.ToLower(requestedModel)
	for _, marker := range preservedModelMarkers {
		if strings.Contains(lower, marker) {
			if rewritten, err := sjson.SetBytes(respBody, "model", requestedModel); err == nil {
				return rewritten
			}
			return respBody
		}
	}
	return respBody
}

// markExhaustedOnQuotaSignal parks the credential when the upstream reports
// its quota is spent.
func (s *GatewayService) markExhaustedOnQuotaSignal(status int, body []byte, token string) bool {
	exhausted := status == http.StatusPaymentRequired ||
		(status == http.StatusForbidden && bytes.Contains(bytes.ToLower(body), []byte("quota")))
	if !exhausted {
		return false
	}
	if err := s.pool.MarkExhausted(token); err != nil {
		logger.L().Error("mark exhausted failed", zap.Error(err))
		return false
	}
	return true
}

func contentTypeOf(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return ct
}
