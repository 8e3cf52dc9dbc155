//go:build unit

package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenFileStore_SaveSequentialNames(t *testing.T) {
	store := NewTokenFileStore(t.TempDir())

	p1, err := store.SaveToken("gho_aaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, "token_1.copilot_token", filepath.Base(p1))

	p2, err := store.SaveToken("gho_bbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	require.Equal(t, "token_2.copilot_token", filepath.Base(p2))
}

func TestTokenFileStore_LoadStripsWhitespace(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenFileStore(dir)

	path := filepath.Join(dir, "token_1.copilot_token")
	require.NoError(t, os.WriteFile(path, []byte("gho_aaaaaaaaaaaaaaaaaaaa\n"), 0o600))

	tokens := store.LoadTokens()
	require.Equal(t, []string{"gho_aaaaaaaaaaaaaaaaaaaa"}, tokens)
}

func TestTokenFileStore_MissingDirectory(t *testing.T) {
	store := NewTokenFileStore(filepath.Join(t.TempDir(), "nope"))
	require.Empty(t, store.ListTokenFiles())
	require.Empty(t, store.LoadTokens())
}

func TestTokenFileStore_IgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenFileStore(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token_1.copilot_token"), []byte("gho_cccccccccccccccccccc"), 0o600))

	files := store.ListTokenFiles()
	require.Len(t, files, 1)
}
