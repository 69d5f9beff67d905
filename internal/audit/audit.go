// Package audit records fetch attempts and item state transitions.
package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// ZapAuditor writes audit events as structured log lines. Recording never
// blocks the cycle and never returns an error.
type ZapAuditor struct {
	logger *zap.Logger
}

// NewZapAuditor constructs an auditor over the given logger. A nil logger
// falls back to the global one.
func NewZapAuditor(logger *zap.Logger) *ZapAuditor {
	if logger == nil {
		logger = zap.L()
	}
	return &ZapAuditor{logger: logger}
}

// Record emits the event at info level, or warn for failure outcomes.
func (a *ZapAuditor) Record(_ context.Context, event sentinel.AuditEvent) {
	fields := []zap.Field{
		zap.String("endpoint_id", event.EndpointID),
		zap.String("url", event.URL),
		zap.String("outcome", event.Outcome),
		zap.Time("at", event.At),
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}
	switch event.Outcome {
	case sentinel.AuditFetchFailed, sentinel.AuditTerminalFailed:
		a.logger.Warn("audit", fields...)
	default:
		a.logger.Info("audit", fields...)
	}
}

// MemoryAuditor collects events for inspection in tests.
type MemoryAuditor struct {
	mu     sync.RWMutex
	events []sentinel.AuditEvent
}

// NewMemoryAuditor returns an empty MemoryAuditor.
func NewMemoryAuditor() *MemoryAuditor {
	return &MemoryAuditor{}
}

// Record appends the event.
func (a *MemoryAuditor) Record(_ context.Context, event sentinel.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

// Events returns the recorded events.
func (a *MemoryAuditor) Events() []sentinel.AuditEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]sentinel.AuditEvent, len(a.events))
	copy(out, a.events)
	return out
}

// Outcomes returns the recorded outcomes in order, for compact assertions.
func (a *MemoryAuditor) Outcomes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Outcome
	}
	return out
}
