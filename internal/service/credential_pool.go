package service

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/Wei-Shaw/coprox/internal/domain"
)

// tokenPattern is the accepted credential format: alphanumerics and
// underscore, at least 20 characters.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_]{20,}$`)

// Credential is one upstream access credential with its quota state.
type Credential struct {
	Token          string
	QuotaRemaining int
	QuotaTotal     int
	Exhausted      bool
	LastUsed       *time.Time
}

// PoolStatistics is an aggregate view of the pool.
type PoolStatistics struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Exhausted int `json:"exhausted"`
}

// CredentialPool is a thread-safe, insertion-ordered registry of credentials.
// Selection walks insertion order and returns the first non-exhausted entry;
// adding a new credential never preempts the one in use.
type CredentialPool struct {
	mu    sync.Mutex
	order []string
	creds map[string]*Credential
}

// NewCredentialPool creates an empty pool.
func NewCredentialPool() *CredentialPool {
	return &CredentialPool{creds: make(map[string]*Credential)}
}

// ValidateTokenFormat reports whether a token passes format validation.
func ValidateTokenFormat(token string) bool {
	return tokenPattern.MatchString(token)
}

// Add registers a credential. Re-adding an existing token overwrites its
// quotas, clears LastUsed, and keeps its position in the rotation order.
func (p *CredentialPool) Add(token string, quotaRemaining, quotaTotal int) error {
	if !ValidateTokenFormat(token) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidToken, TokenFingerprint(token))
	}
	if quotaRemaining < 0 {
		quotaRemaining = 0
	}
	if quotaTotal < 0 {
		quotaTotal = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.creds[token]; ok {
		existing.QuotaRemaining = quotaRemaining
		existing.QuotaTotal = quotaTotal
		existing.Exhausted = quotaRemaining <= 0
		existing.LastUsed = nil
		return nil
	}

	p.order = append(p.order, token)
	p.creds[token] = &Credential{
		Token:          token,
		QuotaRemaining: quotaRemaining,
		QuotaTotal:     quotaTotal,
		Exhausted:      quotaRemaining <= 0,
	}
	return nil
}

// MarkExhausted zeroes the credential's remaining quota.
func (p *CredentialPool) MarkExhausted(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[token]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownToken, TokenFingerprint(token))
	}
	cred.QuotaRemaining = 0
	cred.Exhausted = true
	return nil
}

// UpdateQuota sets the remaining quota and recomputes the exhaustion flag.
// A negative quotaTotal leaves the stored total unchanged.
func (p *CredentialPool) UpdateQuota(token string, quotaRemaining, quotaTotal int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[token]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownToken, TokenFingerprint(token))
	}
	if quotaRemaining < 0 {
		quotaRemaining = 0
	}
	cred.QuotaRemaining = quotaRemaining
	if quotaTotal >= 0 {
		cred.QuotaTotal = quotaTotal
	}
	cred.Exhausted = quotaRemaining <= 0
	return nil
}

// GetCurrent returns the first non-exhausted token in insertion order,
// stamping its LastUsed, or "" / false when every credential is exhausted.
func (p *CredentialPool) GetCurrent() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, token := range p.order {
		cred := p.creds[token]
		if cred == nil || cred.Exhausted {
			continue
		}
		now := time.Now()
		cred.LastUsed = &now
		return token, true
	}
	return "", false
}

// Statistics returns aggregate counts under a single lock acquisition.
func (p *CredentialPool) Statistics() PoolStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStatistics{Total: len(p.order)}
	for _, cred := range p.creds {
		if cred.Exhausted {
			stats.Exhausted++
		} else {
			stats.Available++
		}
	}
	return stats
}

// AvailableCount returns the number of non-exhausted credentials.
func (p *CredentialPool) AvailableCount() int {
	return p.Statistics().Available
}

// TotalCount returns the number of registered credentials.
func (p *CredentialPool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Tokens returns all tokens in insertion order.
func (p *CredentialPool) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Snapshot returns a deep copy of every credential keyed by token.
func (p *CredentialPool) Snapshot() map[string]Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Credential, len(p.creds))
	for token, cred := range p.creds {
		copied := *cred
		if cred.LastUsed != nil {
			lastUsed := *cred.LastUsed
			copied.LastUsed = &lastUsed
		}
		out[token] = copied
	}
	return out
}
