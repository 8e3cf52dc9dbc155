//go:build unit

package service

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/Wei-Shaw/coprox/internal/domain"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeChatUpstream struct {
	status  int
	body    string
	err     error
	lastReq *http.Request
}

func (f *fakeChatUpstream) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func newTestGateway(t *testing.T, upstream HTTPUpstream, tokens ...string) (*GatewayService, *CredentialPool) {
	t.Helper()
	pool := NewCredentialPool()
	for _, token := range tokens {
		require.NoError(t, pool.Add(token, 100, 100))
	}
	return NewGatewayService(pool, upstream), pool
}

func TestGatewayService_RewritesPreservedModelName(t *testing.T) {
	upstream := &fakeChatUpstream{body: `{"model":"internal-id","choices":[]}`}
	svc, _ := newTestGateway(t, upstream, testTokenA)

	result, err := svc.ForwardChatCompletions(context.Background(), []byte(`{}`), "claude-3.5-sonnet")
	require.NoError(t, err)
	require.Equal(t, "claude-3.5-sonnet", gjson.GetBytes(result.Body, "model").String())

	// Non-preserved names pass through untouched.
	upstream.body = `{"model":"internal-id","choices":[]}`
	result, err = svc.ForwardChatCompletions(context.Background(), []byte(`{}`), "o3-mini")
	require.NoError(t, err)
	require.Equal(t, "internal-id", gjson.GetBytes(result.Body, "model").String())
}

func TestGatewayService_MarksExhaustedOn402(t *testing.T) {
	upstream := &fakeChatUpstream{status: http.StatusPaymentRequired, body: `{"error":"quota exceeded"}`}
	svc, pool := newTestGateway(t, upstream, testTokenA)

	result, err := svc.ForwardChatCompletions(context.Background(), []byte(`{}`), "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, http.StatusPaymentRequired, result.Status)
	require.True(t, pool.Snapshot()[testTokenA].Exhausted)
}

func TestGatewayService_MarksExhaustedOn403QuotaBody(t *testing.T) {
	upstream := &fakeChatUpstream{status: http.StatusForbidden, body: `{"message":"Quota exhausted for this billing cycle"}`}
	svc, pool := newTestGateway(t, upstream, testTokenA)

	_, err := svc.ForwardChatCompletions(context.Background(), []byte(`{}`), "gpt-4o")
	require.NoError(t, err)
	require.True(t, pool.Snapshot()[testTokenA].Exhausted)

	// A plain 403 without a quota signal leaves the credential alone.
	upstream.body = `{"message":"access denied"}`
	svc2, pool2 := newTestGateway(t, upstream, testTokenB)
	_, err = svc2.ForwardChatCompletions(context.Background(), []byte(`{}`), "gpt-4o")
	require.NoError(t, err)
	require.False(t, pool2.Snapshot()[testTokenB].Exhausted)
}

func TestGatewayService_MalformedSuccessBody(t *testing.T) {
	upstream := &fakeChatUpstream{body: `<html>not json</html>`}
	svc, _ := newTestGateway(t, upstream, testTokenA)

	_, err := svc.ForwardChatCompletions(context.Background(), []byte(`{}`), "gpt-4o")
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestGatewayService_EmptyPool(t *testing.T) {
	svc, _ := newTestGateway(t, &fakeChatUpstream{})
	_, err := svc.ForwardChatCompletions(context.Background(), []byte(`{}`), "gpt-4o")
	require.ErrorIs(t, err, domain.ErrNoTokensAvailable)

	_, err = svc.ForwardModels(context.Background())
	require.ErrorIs(t, err, domain.ErrNoTokensAvailable)
}
