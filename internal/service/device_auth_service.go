package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Wei-Shaw/coprox/internal/config"
	"github.com/Wei-Shaw/coprox/internal/domain"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"go.uber.org/zap"
)

const (
	deviceAuthMaxBodyLen     = 2 << 20
	deviceAuthSlowDownJump   = 5 * time.Second
	deviceAuthDefaultExpiry  = 900
	deviceAuthDefaultRetries = 100
)

// DeviceAuthorization is a transient record of an in-progress Device Flow.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// AddAccountResult reports the outcome of a full account acquisition.
type AddAccountResult struct {
	AccessToken string     `json:"access_token"`
	Quota       *QuotaInfo `json:"quota,omitempty"`
	Duplicate   bool       `json:"duplicate"`
	Success     bool       `json:"success"`
}

// TokenSaver persists newly acquired tokens. Satisfied by the repository's
// token file store.
type TokenSaver interface {
	SaveToken(token string) (string, error)
}

// DeviceAuthService runs the OAuth 2.0 Device Authorization Grant against
// GitHub and registers verified credentials in the pool.
type DeviceAuthService struct {
	httpUpstream HTTPUpstream
	quota        QuotaVerifier
	pool         *CredentialPool
	saver        TokenSaver
	clientID     string

	// sleep is swappable so tests can observe polling delays.
	sleep func(time.Duration)
}

// NewDeviceAuthService creates a DeviceAuthService. saver may be nil when
// persistence is not wanted.
func NewDeviceAuthService(httpUpstream HTTPUpstream, quota QuotaVerifier, pool *CredentialPool, saver TokenSaver) *DeviceAuthService {
	return &DeviceAuthService{
		httpUpstream: httpUpstream,
		quota:        quota,
		pool:         pool,
		saver:        saver,
		clientID:     config.ClientID,
		sleep:        time.Sleep,
	}
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type accessTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RequestDeviceCode performs step 1 of the Device Flow.
func (s *DeviceAuthService) RequestDeviceCode(ctx context.Context) (*DeviceAuthorization, error) {
	if strings.TrimSpace(s.clientID) == "" {
		return nil, domain.ErrClientNotConfigured
	}

	form := url.Values{}
	form.Set("client_id", s.clientID)
	form.Set("scope", config.OAuthScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.DeviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	req.Header.Set("accept", "application/json")

	resp, err := s.httpUpstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, deviceAuthMaxBodyLen))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: device code status %d", domain.ErrMalformedResponse, resp.StatusCode)
	}

	var parsed deviceCodeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if parsed.DeviceCode == "" || parsed.UserCode == "" || parsed.VerificationURI == "" || parsed.Interval == 0 {
		return nil, fmt.Errorf("%w: device code response missing required fields", domain.ErrMalformedResponse)
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = deviceAuthDefaultExpiry
	}

	return &DeviceAuthorization{
		DeviceCode:      parsed.DeviceCode,
		UserCode:        parsed.UserCode,
		VerificationURI: parsed.VerificationURI,
		ExpiresIn:       parsed.ExpiresIn,
		Interval:        parsed.Interval,
	}, nil
}

// PollForAuthorization performs step 3 of the Device Flow: it polls the token
// endpoint until the user authorizes, a terminal error occurs, or the attempt
// budget is spent. The interval grows by 5 seconds on each slow_down.
func (s *DeviceAuthService) PollForAuthorization(ctx context.Context, deviceCode string, interval, maxAttempts int) (string, error) {
	if strings.TrimSpace(deviceCode) == "" {
		return "", errors.New("device_code must be a non-empty string")
	}
	if interval < 1 {
		return "", errors.New("interval must be a positive integer")
	}
	if maxAttempts < 1 {
		return "", errors.New("max_attempts must be a positive integer")
	}

	currentInterval := time.Duration(interval) * time.Second

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(currentInterval)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		parsed, err := s.pollOnce(ctx, deviceCode)
		if err != nil {
			// Transport errors stay inside the retry budget; only the
			// final attempt surfaces them.
			if attempt == maxAttempts-1 {
				return "", fmt.Errorf("token poll failed: %w", err)
			}
			logger.L().Warn("token poll transport error, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		if parsed.AccessToken != "" {
			return parsed.AccessToken, nil
		}

		switch parsed.Error {
		case domain.OAuthErrorAuthorizationPending:
			continue
		case domain.OAuthErrorSlowDown:
			currentInterval += deviceAuthSlowDownJump
			continue
		case domain.OAuthErrorExpiredToken:
			return "", domain.ErrDeviceCodeExpired
		case domain.OAuthErrorAccessDenied:
			return "", domain.ErrAccessDenied
		case domain.OAuthErrorIncorrectDeviceCode:
			return "", domain.ErrInvalidDeviceCode
		case "":
			continue
		default:
			return "", &domain.AuthorizationError{Code: parsed.Error}
		}
	}

	return "", domain.ErrAuthorizationTimeout
}

func (s *DeviceAuthService) pollOnce(ctx context.Context, deviceCode string) (*accessTokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", s.clientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", config.DeviceGrantType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.AccessTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	req.Header.Set("accept", "application/json")

	resp, err := s.httpUpstream.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, deviceAuthMaxBodyLen))
	var parsed accessTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return &parsed, nil
}

// Authenticate runs the full flow: request a device code, announce it to the
// operator via announce, and poll until an access token arrives.
func (s *DeviceAuthService) Authenticate(ctx context.Context, announce func(*DeviceAuthorization)) (string, error) {
	auth, err := s.RequestDeviceCode(ctx)
	if err != nil {
		return "", err
	}
	if announce != nil {
		announce(auth)
	}
	return s.PollForAuthorization(ctx, auth.DeviceCode, auth.Interval, deviceAuthDefaultRetries)
}

// AddAccount orchestrates authenticate → verify quota → insert into pool.
// A token identical to the currently selected one is reported as a duplicate
// and not inserted.
func (s *DeviceAuthService) AddAccount(ctx context.Context, announce func(*DeviceAuthorization)) (*AddAccountResult, error) {
	accessToken, err := s.Authenticate(ctx, announce)
	if err != nil {
		return nil, err
	}

	quota, err := s.quota.VerifyTokenQuota(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("verify new account quota: %w", err)
	}

	if current, ok := s.pool.GetCurrent(); ok && current == accessToken {
		logger.L().Info("account already active, skipping insert",
			zap.String("token_fp", TokenFingerprint(accessToken)),
		)
		return &AddAccountResult{AccessToken: accessToken, Quota: quota, Duplicate: true, Success: false}, nil
	}

	if err := s.pool.Add(accessToken, quota.ChatQuota, quota.ChatQuota); err != nil {
		return nil, fmt.Errorf("register new account: %w", err)
	}
	if s.saver != nil {
		if path, err := s.saver.SaveToken(accessToken); err != nil {
			logger.L().Warn("persist token failed", zap.Error(err))
		} else {
			logger.L().Info("token persisted", zap.String("path", path))
		}
	}

	logger.L().Info("account added",
		zap.String("token_fp", TokenFingerprint(accessToken)),
		zap.Int("chat_quota", quota.ChatQuota),
	)
	return &AddAccountResult{AccessToken: accessToken, Quota: quota, Duplicate: false, Success: true}, nil
}
