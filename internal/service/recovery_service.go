package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const recoveryScanTimeout = 5 * time.Minute

// TokenFileReader is the slice of the token file store the scanner needs.
type TokenFileReader interface {
	ListTokenFiles() []string
	ReadToken(path string) (string, error)
}

// RecoveryService walks the cooldown store, re-validates each parked
// credential, and reinstates those whose quota has reset. Files are left in
// place after reinstatement; re-scans are idempotent because pool.Add
// replaces duplicates.
type RecoveryService struct {
	quota      QuotaVerifier
	pool       *CredentialPool
	defaultDir string
	newStore   func(dir string) TokenFileReader
	runner     *cron.Cron
}

// NewRecoveryService creates a RecoveryService scanning defaultDir unless a
// call overrides it.
func NewRecoveryService(quota QuotaVerifier, pool *CredentialPool, defaultDir string, newStore func(dir string) TokenFileReader) *RecoveryService {
	return &RecoveryService{
		quota:      quota,
		pool:       pool,
		defaultDir: defaultDir,
		newStore:   newStore,
	}
}

// CheckExhaustedTokens scans the cooldown store and returns the tokens that
// were reinstated. Errors on individual files never abort the scan.
func (s *RecoveryService) CheckExhaustedTokens(ctx context.Context, dir string) []string {
	if dir == "" {
		dir = s.defaultDir
	}
	store := s.newStore(dir)

	files := store.ListTokenFiles()
	logger.L().Info("recovery scan started", zap.String("dir", dir), zap.Int("files", len(files)))

	var restored []string
	for _, path := range files {
		token, err := store.ReadToken(path)
		if err != nil {
			logger.L().Warn("recovery scan: unreadable file",
				zap.String("file", filepath.Base(path)),
				zap.Error(err),
			)
			continue
		}
		if token == "" {
			continue
		}
		if !s.quota.VerifySpecificToken(ctx, token) {
			continue
		}

		info, err := s.quota.VerifyTokenQuota(ctx, token)
		if err != nil {
			continue
		}
		if err := s.pool.Add(token, info.ChatQuota, info.ChatQuota); err != nil {
			logger.L().Warn("recovery scan: pool rejected token",
				zap.String("token_fp", TokenFingerprint(token)),
				zap.Error(err),
			)
			continue
		}

		restored = append(restored, token)
		logger.L().Info("token reinstated",
			zap.String("file", filepath.Base(path)),
			zap.String("token_fp", TokenFingerprint(token)),
			zap.Int("chat_quota", info.ChatQuota),
		)
	}

	logger.L().Info("recovery scan finished", zap.Int("restored", len(restored)))
	return restored
}

// Schedule registers the scan on a cron runner. Call Stop to halt it.
func (s *RecoveryService) Schedule(cronSpec string) error {
	if s.runner != nil {
		return fmt.Errorf("recovery schedule already running")
	}
	runner := cron.New()
	_, err := runner.AddFunc(cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), recoveryScanTimeout)
		defer cancel()
		s.CheckExhaustedTokens(ctx, "")
	})
	if err != nil {
		return fmt.Errorf("register recovery schedule %q: %w", cronSpec, err)
	}
	runner.Start()
	s.runner = runner
	logger.L().Info("recovery schedule started", zap.String("spec", cronSpec))
	return nil
}

// Stop halts the scheduled scans, waiting for a running scan to finish.
func (s *RecoveryService) Stop() {
	if s.runner == nil {
		return
	}
	<-s.runner.Stop().Done()
	s.runner = nil
}
