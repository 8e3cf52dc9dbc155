package service

import (
	"fmt"
	"net/http"

	"github.com/Wei-Shaw/coprox/internal/config"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// applyCopilotHeaders sets the identification headers the vendor requires on
// every upstream call. The values must match config exactly.
func applyCopilotHeaders(req *http.Request) {
	if req == nil {
		return
	}
	req.Header.Set("copilot-integration-id", config.HeaderIntegrationID)
	req.Header.Set("editor-plugin-version", config.HeaderEditorPluginVersion)
	req.Header.Set("editor-version", config.HeaderEditorVersion)
	req.Header.Set("user-agent", config.HeaderUserAgent)
	req.Header.Set("x-github-api-version", config.HeaderGitHubAPIVersion)
	req.Header.Set("x-request-id", uuid.NewString())
}

// applyTokenMetadataHeaders prepares a token-metadata probe request.
func applyTokenMetadataHeaders(req *http.Request, accessToken string) {
	if req == nil {
		return
	}
	req.Header.Set("authorization", "token "+accessToken)
	req.Header.Set("accept", "application/json")
	applyCopilotHeaders(req)
}

// TokenFingerprint returns a short stable identifier for a token, safe to log.
func TokenFingerprint(token string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(token))
}
