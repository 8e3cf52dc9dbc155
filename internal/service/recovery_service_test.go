//go:build unit

package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fsTokenReader is a minimal filesystem-backed TokenFileReader for tests.
type fsTokenReader struct {
	dir string
}

func (r *fsTokenReader) ListTokenFiles() []string {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".copilot_token" {
			files = append(files, filepath.Join(r.dir, entry.Name()))
		}
	}
	return files
}

func (r *fsTokenReader) ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func newFSReader(dir string) TokenFileReader { return &fsTokenReader{dir: dir} }

func TestRecoveryService_ReinstatesOnlyTokensWithQuota(t *testing.T) {
	dir := t.TempDir()
	exhausted := "gho_cccccccccccccccccccc"
	refreshed := "gho_dddddddddddddddddddd"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.copilot_token"), []byte(exhausted), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.copilot_token"), []byte(refreshed), 0o600))

	pool := NewCredentialPool()
	quota := &fakeQuotaVerifier{quotas: map[string]int{exhausted: 0, refreshed: 30}}
	svc := NewRecoveryService(quota, pool, dir, newFSReader)

	restored := svc.CheckExhaustedTokens(context.Background(), "")
	require.Equal(t, []string{refreshed}, restored)

	require.Equal(t, 1, pool.TotalCount())
	snap := pool.Snapshot()
	require.Equal(t, 30, snap[refreshed].QuotaRemaining)
	require.Equal(t, 30, snap[refreshed].QuotaTotal)
}

func TestRecoveryService_MissingDirectory(t *testing.T) {
	pool := NewCredentialPool()
	svc := NewRecoveryService(&fakeQuotaVerifier{}, pool, filepath.Join(t.TempDir(), "gone"), newFSReader)

	restored := svc.CheckExhaustedTokens(context.Background(), "")
	require.Empty(t, restored)
	require.Zero(t, pool.TotalCount())
}

func TestRecoveryService_SkipsBadFilesAndContinues(t *testing.T) {
	dir := t.TempDir()
	good := "gho_eeeeeeeeeeeeeeeeeeee"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.copilot_token"), []byte("short"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.copilot_token"), []byte(good), 0o600))

	pool := NewCredentialPool()
	quota := &fakeQuotaVerifier{quotas: map[string]int{good: 10, "short": 10}}
	svc := NewRecoveryService(quota, pool, dir, newFSReader)

	// "short" fails pool format validation but must not abort the scan.
	restored := svc.CheckExhaustedTokens(context.Background(), "")
	require.Equal(t, []string{good}, restored)
	require.Equal(t, 1, pool.TotalCount())
}

func TestRecoveryService_RescanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	token := "gho_ffffffffffffffffffff"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.copilot_token"), []byte(token), 0o600))

	pool := NewCredentialPool()
	svc := NewRecoveryService(&fakeQuotaVerifier{quotas: map[string]int{token: 12}}, pool, dir, newFSReader)

	svc.CheckExhaustedTokens(context.Background(), "")
	svc.CheckExhaustedTokens(context.Background(), "")
	require.Equal(t, 1, pool.TotalCount())
}
