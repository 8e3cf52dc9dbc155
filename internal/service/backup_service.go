package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Wei-Shaw/coprox/internal/domain"
	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/errgroup"
)

const (
	backupVersion      = "1.0"
	backupMetadataName = "metadata.json"
	backupTokenPrefix  = "tokens/account_"
	backupVerifyLimit  = 4
)

// backupMagic prefixes encrypted archives. Plain archives start with the zip
// signature instead, so Import can auto-detect.
var backupMagic = []byte("COPROXE1")

// ErrBackupPasswordRequired reports an encrypted archive opened without a
// password.
var ErrBackupPasswordRequired = errors.New("backup is password protected")

const (
	backupSaltLen  = 16
	backupNonceLen = 24
	backupKeyLen   = 32
)

// BackupMetadata is the metadata.json document inside an archive.
type BackupMetadata struct {
	Version       string    `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	AccountsCount int       `json:"accounts_count"`
	Accounts      []string  `json:"accounts"`
	HasPassword   bool      `json:"has_password"`
}

// BackupService exports and imports the credential set as a zip archive.
// Password-protected archives are sealed with scrypt-derived secretbox keys
// rather than the legacy zip cipher, so protection is authenticated.
type BackupService struct {
	pool  *CredentialPool
	quota QuotaVerifier
	state *BackupState
}

// NewBackupService creates a BackupService. quota may be nil; imports then
// register tokens parked (zero quota) until a recovery scan probes them.
func NewBackupService(pool *CredentialPool, quota QuotaVerifier, state *BackupState) *BackupService {
	return &BackupService{pool: pool, quota: quota, state: state}
}

// Export writes the pool's tokens to a zip archive at path. A non-empty
// password seals the archive.
func (s *BackupService) Export(path, password string) (err error) {
	if err := s.state.Begin(domain.BackupTypeExport); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.state.Fail(err)
		} else {
			s.state.Complete()
		}
	}()

	tokens := s.pool.Tokens()
	if len(tokens) == 0 {
		return errors.New("nothing to export: credential pool is empty")
	}

	archive, err := buildArchive(tokens, password != "")
	if err != nil {
		return err
	}
	s.state.SetProgress(0.5)

	payload := archive
	if password != "" {
		payload, err = sealArchive(archive, password)
		if err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}

	logger.L().Info("backup exported",
		zap.String("path", path),
		zap.Int("accounts", len(tokens)),
		zap.Bool("encrypted", password != ""),
	)
	return nil
}

// Import reads an archive and registers its tokens in the pool. Each token's
// quota is probed concurrently (bounded) when a verifier is configured.
// Returns the tokens that were added.
func (s *BackupService) Import(ctx context.Context, path, password string) (tokens []string, err error) {
	if err := s.state.Begin(domain.BackupTypeImport); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.state.Fail(err)
		} else {
			s.state.Complete()
		}
	}()

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup file: %w", err)
	}

	if bytes.HasPrefix(payload, backupMagic) {
		if password == "" {
			return nil, ErrBackupPasswordRequired
		}
		payload, err = openSealedArchive(payload, password)
		if err != nil {
			return nil, err
		}
	}

	meta, archiveTokens, err := readArchive(payload)
	if err != nil {
		return nil, err
	}
	if meta.AccountsCount != len(archiveTokens) {
		return nil, fmt.Errorf("metadata declares %d accounts, archive holds %d", meta.AccountsCount, len(archiveTokens))
	}
	s.state.SetProgress(0.3)

	quotas := s.probeQuotas(ctx, archiveTokens)

	var imported []string
	for i, token := range archiveTokens {
		chat := quotas[token]
		if err := s.pool.Add(token, chat, chat); err != nil {
			logger.L().Warn("import: pool rejected token",
				zap.String("token_fp", TokenFingerprint(token)),
				zap.Error(err),
			)
			continue
		}
		imported = append(imported, token)
		s.state.SetProgress(0.3 + 0.7*float64(i+1)/float64(len(archiveTokens)))
	}

	logger.L().Info("backup imported",
		zap.String("path", path),
		zap.Int("accounts", len(imported)),
	)
	return imported, nil
}

// probeQuotas checks each token's remaining quota with a bounded level of
// concurrency. Probe failures leave the token parked at zero.
func (s *BackupService) probeQuotas(ctx context.Context, tokens []string) map[string]int {
	quotas := make(map[string]int, len(tokens))
	if s.quota == nil {
		return quotas
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backupVerifyLimit)
	for _, token := range tokens {
		token := token
		g.Go(func() error {
			info, err := s.quota.VerifyTokenQuota(gctx, token)
			if err != nil {
				return nil
			}
			mu.Lock()
			quotas[token] = info.ChatQuota
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return quotas
}

func buildArchive(tokens []string, hasPassword bool) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	accounts := make([]string, len(tokens))
	for i := range tokens {
		accounts[i] = fmt.Sprintf("account_%d", i+1)
	}
	meta := BackupMetadata{
		Version:       backupVersion,
		CreatedAt:     time.Now().UTC(),
		AccountsCount: len(tokens),
		Accounts:      accounts,
		HasPassword:   hasPassword,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}

	w, err := zw.Create(backupMetadataName)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(metaBytes); err != nil {
		return nil, err
	}

	for i, token := range tokens {
		w, err := zw.Create(fmt.Sprintf("%s%d.txt", backupTokenPrefix, i+1))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(token)); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readArchive(payload []byte) (*BackupMetadata, []string, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, nil, fmt.Errorf("open backup archive: %w", err)
	}

	var meta *BackupMetadata
	tokenFiles := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
		}

		switch {
		case f.Name == backupMetadataName:
			var m BackupMetadata
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, nil, fmt.Errorf("parse metadata.json: %w", err)
			}
			meta = &m
		case strings.HasPrefix(f.Name, backupTokenPrefix) && strings.HasSuffix(f.Name, ".txt"):
			tokenFiles[f.Name] = strings.TrimSpace(string(data))
		}
	}

	if meta == nil {
		return nil, nil, errors.New("backup archive has no metadata.json")
	}
	if err := validateMetadata(meta); err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(tokenFiles))
	for name := range tokenFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	tokens := make([]string, 0, len(names))
	for _, name := range names {
		if tokenFiles[name] != "" {
			tokens = append(tokens, tokenFiles[name])
		}
	}
	return meta, tokens, nil
}

func validateMetadata(meta *BackupMetadata) error {
	if meta.Version == "" {
		return errors.New("backup metadata missing version")
	}
	if meta.CreatedAt.IsZero() {
		return errors.New("backup metadata missing created_at")
	}
	if meta.AccountsCount != len(meta.Accounts) {
		return errors.New("backup metadata accounts_count does not match accounts list")
	}
	return nil
}

func deriveKey(password string, salt []byte) (*[backupKeyLen]byte, error) {
	raw, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, backupKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive backup key: %w", err)
	}
	var key [backupKeyLen]byte
	copy(key[:], raw)
	return &key, nil
}

func sealArchive(archive []byte, password string) ([]byte, error) {
	salt := make([]byte, backupSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	var nonce [backupNonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(backupMagic)+backupSaltLen+backupNonceLen+len(archive)+secretbox.Overhead)
	out = append(out, backupMagic...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, archive, &nonce, key), nil
}

func openSealedArchive(payload []byte, password string) ([]byte, error) {
	rest := payload[len(backupMagic):]
	if len(rest) < backupSaltLen+backupNonceLen+secretbox.Overhead {
		return nil, errors.New("encrypted backup is truncated")
	}
	salt := rest[:backupSaltLen]
	var nonce [backupNonceLen]byte
	copy(nonce[:], rest[backupSaltLen:backupSaltLen+backupNonceLen])
	sealed := rest[backupSaltLen+backupNonceLen:]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	archive, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, errors.New("wrong password or corrupted backup")
	}
	return archive, nil
}
