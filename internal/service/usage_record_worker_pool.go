package service

import (
	"sync"
	"time"

	"github.com/Wei-Shaw/coprox/internal/pkg/logger"

	"github.com/alitto/pond/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const defaultUsageWorkers = 4

// UsageRecord is one forwarded request's accounting entry.
type UsageRecord struct {
	Model    string
	Status   int
	Failed   bool
	TokenFP  string
	Duration time.Duration
	// Body is the upstream response; token usage is extracted from it.
	Body []byte
}

// ModelUsage aggregates per-model accounting.
type ModelUsage struct {
	Requests         int64 `json:"requests"`
	Failed           int64 `json:"failed"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// UsageRecordWorkerPool processes usage records off the request path on a
// bounded worker pool, writing the access log and per-model aggregates.
type UsageRecordWorkerPool struct {
	workers pond.Pool

	mu     sync.Mutex
	usage  map[string]*ModelUsage
	closed bool
}

// NewUsageRecordWorkerPool creates the pool with the given worker count.
func NewUsageRecordWorkerPool(workers int) *UsageRecordWorkerPool {
	if workers <= 0 {
		workers = defaultUsageWorkers
	}
	return &UsageRecordWorkerPool{
		workers: pond.NewPool(workers),
		usage:   make(map[string]*ModelUsage),
	}
}

// Submit enqueues one record. Records submitted after Stop are dropped.
func (p *UsageRecordWorkerPool) Submit(rec UsageRecord) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.workers.Submit(func() {
		p.record(rec)
	})
}

func (p *UsageRecordWorkerPool) record(rec UsageRecord) {
	usage := gjson.GetBytes(rec.Body, "usage")
	promptTokens := usage.Get("prompt_tokens").Int()
	completionTokens := usage.Get("completion_tokens").Int()

	p.mu.Lock()
	entry, ok := p.usage[rec.Model]
	if !ok {
		entry = &ModelUsage{}
		p.usage[rec.Model] = entry
	}
	entry.Requests++
	if rec.Failed {
		entry.Failed++
	}
	entry.PromptTokens += promptTokens
	entry.CompletionTokens += completionTokens
	p.mu.Unlock()

	logger.L().Info("request forwarded",
		zap.String("model", rec.Model),
		zap.Int("status", rec.Status),
		zap.Bool("failed", rec.Failed),
		zap.String("token_fp", rec.TokenFP),
		zap.Duration("duration", rec.Duration),
		zap.Int64("prompt_tokens", promptTokens),
		zap.Int64("completion_tokens", completionTokens),
	)
}

// Snapshot returns a copy of the per-model aggregates.
func (p *UsageRecordWorkerPool) Snapshot() map[string]ModelUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ModelUsage, len(p.usage))
	for model, entry := range p.usage {
		out[model] = *entry
	}
	return out
}

// Stop drains queued records and shuts the workers down.
func (p *UsageRecordWorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.workers.StopAndWait()
}
