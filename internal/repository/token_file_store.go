package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Wei-Shaw/coprox/internal/config"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"go.uber.org/zap"
)

// TokenFileStore reads and writes one-token-per-file credential storage.
// Active tokens live in the token directory as token_<N>.copilot_token; the
// cooldown directory holds exhausted tokens under the same extension. File
// bodies are raw UTF-8 token strings, trailing whitespace stripped on read.
type TokenFileStore struct {
	dir string
}

// NewTokenFileStore creates a store rooted at dir.
func NewTokenFileStore(dir string) *TokenFileStore {
	return &TokenFileStore{dir: dir}
}

// Dir returns the store's root directory.
func (s *TokenFileStore) Dir() string {
	return s.dir
}

// ListTokenFiles enumerates the token files in the directory, sorted by name.
// A missing or inaccessible directory yields an empty list.
func (s *TokenFileStore) ListTokenFiles() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), config.TokenFileExt) {
			files = append(files, filepath.Join(s.dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// ReadToken reads a single token file, stripping surrounding whitespace.
func (s *TokenFileStore) ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", filepath.Base(path), err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadTokens reads every token file in the directory. Unreadable or empty
// files are skipped.
func (s *TokenFileStore) LoadTokens() []string {
	var tokens []string
	for _, path := range s.ListTokenFiles() {
		token, err := s.ReadToken(path)
		if err != nil {
			logger.L().Warn("skipping unreadable token file",
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
			continue
		}
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// SaveToken writes a token to the next free sequential file name and returns
// the path written.
func (s *TokenFileStore) SaveToken(token string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("create token directory: %w", err)
	}
	for n := 1; ; n++ {
		path := filepath.Join(s.dir, fmt.Sprintf("token_%d%s", n, config.TokenFileExt))
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat %s: %w", filepath.Base(path), err)
		}
		if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
			return "", fmt.Errorf("write token file: %w", err)
		}
		return path, nil
	}
}

// Remove deletes one token file.
func (s *TokenFileStore) Remove(path string) error {
	return os.Remove(path)
}
