//go:build unit

package service

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Wei-Shaw/coprox/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestBackupService_ExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.zip")

	source := NewCredentialPool()
	require.NoError(t, source.Add(testTokenA, 100, 100))
	require.NoError(t, source.Add(testTokenB, 50, 100))

	exporter := NewBackupService(source, nil, NewBackupState())
	require.NoError(t, exporter.Export(path, ""))

	target := NewCredentialPool()
	quota := &fakeQuotaVerifier{quotas: map[string]int{testTokenA: 100, testTokenB: 50}}
	importer := NewBackupService(target, quota, NewBackupState())

	imported, err := importer.Import(context.Background(), path, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{testTokenA, testTokenB}, imported)

	snap := target.Snapshot()
	require.Equal(t, 100, snap[testTokenA].QuotaRemaining)
	require.Equal(t, 50, snap[testTokenB].QuotaRemaining)
}

func TestBackupService_ExportArchiveLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.zip")

	pool := NewCredentialPool()
	require.NoError(t, pool.Add(testTokenA, 100, 100))

	svc := NewBackupService(pool, nil, NewBackupState())
	require.NoError(t, svc.Export(path, ""))

	payload, err := os.ReadFile(path)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"metadata.json", "tokens/account_1.txt"}, names)
}

func TestBackupService_PasswordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.zip")

	pool := NewCredentialPool()
	require.NoError(t, pool.Add(testTokenA, 100, 100))

	svc := NewBackupService(pool, nil, NewBackupState())
	require.NoError(t, svc.Export(path, "hunter2"))

	// File must not start with a plain zip signature.
	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	require.False(t, bytes.HasPrefix(payload, []byte("PK")))

	target := NewCredentialPool()
	importer := NewBackupService(target, &fakeQuotaVerifier{quotas: map[string]int{testTokenA: 7}}, NewBackupState())

	_, err = importer.Import(context.Background(), path, "wrong")
	require.Error(t, err)

	imported, err := importer.Import(context.Background(), path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, []string{testTokenA}, imported)
	require.Equal(t, 7, target.Snapshot()[testTokenA].QuotaRemaining)
}

func TestBackupService_ImportWithoutPasswordFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.zip")

	pool := NewCredentialPool()
	require.NoError(t, pool.Add(testTokenA, 100, 100))
	svc := NewBackupService(pool, nil, NewBackupState())
	require.NoError(t, svc.Export(path, "secret"))

	_, err := svc.Import(context.Background(), path, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "password")
}

func TestBackupService_ExportEmptyPoolFails(t *testing.T) {
	state := NewBackupState()
	svc := NewBackupService(NewCredentialPool(), nil, state)

	err := svc.Export(filepath.Join(t.TempDir(), "b.zip"), "")
	require.Error(t, err)
	require.Equal(t, domain.BackupStatusFailed, state.Current().Status)
}

func TestBackupState_Lifecycle(t *testing.T) {
	state := NewBackupState()
	op := state.Current()
	require.Equal(t, domain.BackupTypeIdle, op.Type)
	require.Equal(t, domain.BackupStatusIdle, op.Status)

	require.NoError(t, state.Begin(domain.BackupTypeExport))
	require.Error(t, state.Begin(domain.BackupTypeImport))

	state.SetProgress(0.4)
	require.InDelta(t, 0.4, state.Current().Progress, 1e-9)

	state.Complete()
	op = state.Current()
	require.Equal(t, domain.BackupStatusCompleted, op.Status)
	require.Equal(t, 1.0, op.Progress)
	require.Len(t, state.History(), 1)

	require.NoError(t, state.Begin(domain.BackupTypeImport))
	state.Fail(context.DeadlineExceeded)
	op = state.Current()
	require.Equal(t, domain.BackupStatusFailed, op.Status)
	require.NotEmpty(t, op.LastError)
	require.Len(t, state.History(), 2)
}
