//go:build unit

package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/Wei-Shaw/coprox/internal/config"
	"github.com/Wei-Shaw/coprox/internal/domain"

	"github.com/stretchr/testify/require"
)

// fakeMetadataUpstream serves the token-metadata endpoint.
type fakeMetadataUpstream struct {
	mu      sync.Mutex
	body    string
	status  int
	err     error
	calls   int
	lastReq *http.Request
}

func (f *fakeMetadataUpstream) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return jsonResponse(status, f.body), nil
}

func TestQuotaService_VerifyTokenQuota(t *testing.T) {
	upstream := &fakeMetadataUpstream{
		body: `{"token":"t","limited_user_quotas":{"chat":30,"completions":100},"limited_user_reset_date":"2026-09-01"}`,
	}
	svc := NewQuotaService(upstream)

	info, err := svc.VerifyTokenQuota(context.Background(), testTokenA)
	require.NoError(t, err)
	require.Equal(t, 30, info.ChatQuota)
	require.Equal(t, "2026-09-01", info.ResetDate)

	req := upstream.lastReq
	require.Equal(t, config.TokenMetadataURL, req.URL.String())
	require.Equal(t, "token "+testTokenA, req.Header.Get("authorization"))
	require.Equal(t, config.HeaderIntegrationID, req.Header.Get("copilot-integration-id"))
	require.Equal(t, config.HeaderEditorPluginVersion, req.Header.Get("editor-plugin-version"))
	require.Equal(t, config.HeaderEditorVersion, req.Header.Get("editor-version"))
	require.Equal(t, config.HeaderUserAgent, req.Header.Get("user-agent"))
	require.Equal(t, config.HeaderGitHubAPIVersion, req.Header.Get("x-github-api-version"))
}

func TestQuotaService_MissingTokenFieldIsMalformed(t *testing.T) {
	svc := NewQuotaService(&fakeMetadataUpstream{body: `{"limited_user_quotas":{"chat":30}}`})
	_, err := svc.VerifyTokenQuota(context.Background(), testTokenA)
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestQuotaService_VerifySpecificToken(t *testing.T) {
	svc := NewQuotaService(&fakeMetadataUpstream{body: `{"token":"t","limited_user_quotas":{"chat":5}}`})
	require.True(t, svc.VerifySpecificToken(context.Background(), testTokenA))

	svc = NewQuotaService(&fakeMetadataUpstream{body: `{"token":"t","limited_user_quotas":{"chat":0}}`})
	require.False(t, svc.VerifySpecificToken(context.Background(), testTokenB))
}

func TestQuotaService_VerifySpecificTokenNeverErrors(t *testing.T) {
	svc := NewQuotaService(&fakeMetadataUpstream{err: errors.New("connection reset")})
	require.False(t, svc.VerifySpecificToken(context.Background(), testTokenA))

	svc = NewQuotaService(&fakeMetadataUpstream{status: 502, body: `bad gateway`})
	require.False(t, svc.VerifySpecificToken(context.Background(), testTokenB))
}

func TestQuotaService_CachesResults(t *testing.T) {
	upstream := &fakeMetadataUpstream{body: `{"token":"t","limited_user_quotas":{"chat":30}}`}
	svc := NewQuotaService(upstream)

	_, err := svc.VerifyTokenQuota(context.Background(), testTokenA)
	require.NoError(t, err)
	_, err = svc.VerifyTokenQuota(context.Background(), testTokenA)
	require.NoError(t, err)
	require.Equal(t, 1, upstream.calls)
}
