package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/Wei-Shaw/coprox/internal/domain"
)

const backupHistoryLimit = 20

// BackupOperation is the current state of an export/import operation.
type BackupOperation struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	LastError string  `json:"last_error,omitempty"`
}

// BackupRecord is one completed (or failed) operation in the history log.
type BackupRecord struct {
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// BackupState tracks the status of export/import operations and keeps a
// bounded history of finished ones.
type BackupState struct {
	mu      sync.Mutex
	current BackupOperation
	history []BackupRecord
}

// NewBackupState starts idle.
func NewBackupState() *BackupState {
	return &BackupState{
		current: BackupOperation{Type: domain.BackupTypeIdle, Status: domain.BackupStatusIdle},
	}
}

// Begin marks an operation as in progress. Only one operation may run at a
// time.
func (s *BackupState) Begin(opType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Status == domain.BackupStatusInProgress {
		return fmt.Errorf("backup operation %s already in progress", s.current.Type)
	}
	s.current = BackupOperation{Type: opType, Status: domain.BackupStatusInProgress}
	return nil
}

// SetProgress updates the progress fraction, clamped to [0, 1].
func (s *BackupState) SetProgress(progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	s.current.Progress = progress
}

// Complete finishes the running operation successfully.
func (s *BackupState) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Status = domain.BackupStatusCompleted
	s.current.Progress = 1
	s.appendHistoryLocked(BackupRecord{
		Type:       s.current.Type,
		Status:     domain.BackupStatusCompleted,
		FinishedAt: time.Now(),
	})
}

// Fail finishes the running operation with an error.
func (s *BackupState) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Status = domain.BackupStatusFailed
	if err != nil {
		s.current.LastError = err.Error()
	}
	s.appendHistoryLocked(BackupRecord{
		Type:       s.current.Type,
		Status:     domain.BackupStatusFailed,
		Error:      s.current.LastError,
		FinishedAt: time.Now(),
	})
}

func (s *BackupState) appendHistoryLocked(rec BackupRecord) {
	s.history = append(s.history, rec)
	if len(s.history) > backupHistoryLimit {
		s.history = s.history[len(s.history)-backupHistoryLimit:]
	}
}

// Current returns a copy of the running (or last) operation state.
func (s *BackupState) Current() BackupOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns a copy of the finished-operation log.
func (s *BackupState) History() []BackupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BackupRecord, len(s.history))
	copy(out, s.history)
	return out
}
