package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wei-Shaw/coprox/internal/config"
	"github.com/Wei-Shaw/coprox/internal/domain"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	quotaMaxBodyLen   = 2 << 20
	quotaCacheTTL     = time.Minute
	quotaCacheCleanup = 5 * time.Minute
)

// QuotaInfo is the relevant slice of the token-metadata response.
type QuotaInfo struct {
	Token     string `json:"token"`
	ChatQuota int    `json:"chat_quota"`
	ResetDate string `json:"reset_date,omitempty"`
}

// QuotaVerifier probes the upstream token-metadata endpoint. RecoveryService
// and DeviceAuthService both depend on this interface.
type QuotaVerifier interface {
	VerifyTokenQuota(ctx context.Context, token string) (*QuotaInfo, error)
	VerifySpecificToken(ctx context.Context, token string) bool
}

// QuotaService verifies credential quotas against the upstream. Results are
// cached briefly so repeated scans do not hammer the metadata endpoint.
type QuotaService struct {
	httpUpstream HTTPUpstream
	cache        *gocache.Cache
}

// NewQuotaService creates a QuotaService.
func NewQuotaService(httpUpstream HTTPUpstream) *QuotaService {
	return &QuotaService{
		httpUpstream: httpUpstream,
		cache:        gocache.New(quotaCacheTTL, quotaCacheCleanup),
	}
}

type tokenMetadataResponse struct {
	Token             string         `json:"token"`
	LimitedUserQuotas map[string]int `json:"limited_user_quotas"`
	LimitedUserReset  string         `json:"limited_user_reset_date"`
}

// VerifyTokenQuota fetches the token metadata for an access token. A response
// without the token field is malformed.
func (s *QuotaService) VerifyTokenQuota(ctx context.Context, token string) (*QuotaInfo, error) {
	fp := TokenFingerprint(token)
	if cached, ok := s.cache.Get(fp); ok {
		if info, ok := cached.(*QuotaInfo); ok {
			return info, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.TokenMetadataURL, nil)
	if err != nil {
		return nil, err
	}
	applyTokenMetadataHeaders(req, token)

	resp, err := s.httpUpstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token metadata request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, quotaMaxBodyLen))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: token metadata status %d", domain.ErrMalformedResponse, resp.StatusCode)
	}

	var parsed tokenMetadataResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if strings.TrimSpace(parsed.Token) == "" {
		return nil, fmt.Errorf("%w: token field missing", domain.ErrMalformedResponse)
	}

	info := &QuotaInfo{
		Token:     parsed.Token,
		ChatQuota: parsed.LimitedUserQuotas["chat"],
		ResetDate: parsed.LimitedUserReset,
	}
	s.cache.Set(fp, info, gocache.DefaultExpiration)
	return info, nil
}

// VerifySpecificToken reports whether the token still has chat quota. Any
// transport or format error is treated as "not usable" and never surfaced.
func (s *QuotaService) VerifySpecificToken(ctx context.Context, token string) bool {
	info, err := s.VerifyTokenQuota(ctx, token)
	if err != nil {
		logger.L().Debug("token quota probe failed",
			zap.String("token_fp", TokenFingerprint(token)),
			zap.Error(err),
		)
		return false
	}
	return info.ChatQuota > 0
}
