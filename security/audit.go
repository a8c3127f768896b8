// Package security provides audit logging, rate limiting, request identification
// and secure response headers for the authorization server.
package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-authz/internal/util"
)

// TokenPrefixLength is how many characters of a credential may appear in audit
// records and logs.
const TokenPrefixLength = 8

// Result classifies the outcome of an audited operation.
type Result string

// Audit results.
const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultWarning Result = "warning"
)

// Event represents a security audit event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Result    Result         `json:"result"`
	ClientID  string         `json:"client_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditSink receives audit events. Implementations must not block the caller for
// long and must never fail the operation being audited, which is why Log has no
// error return.
type AuditSink interface {
	Log(ctx context.Context, event Event)
}

// Redact returns the prefix of a credential that is safe to record.
func Redact(token string) string {
	return util.SafeTruncate(token, TokenPrefixLength)
}

// Stamp fills in the event id, timestamp and request id if they are missing.
func Stamp(ctx context.Context, event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	return event
}

// Auditor writes audit events to a structured logger.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

var _ AuditSink = (*Auditor)(nil)

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Log writes the event at Info, or Warn for failures and warnings.
func (a *Auditor) Log(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event = Stamp(ctx, event)

	level := slog.LevelInfo
	if event.Result != ResultSuccess {
		level = slog.LevelWarn
	}

	a.logger.Log(ctx, level, "security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"result", string(event.Result),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// MultiAuditSink fans an event out to several sinks.
type MultiAuditSink []AuditSink

var _ AuditSink = MultiAuditSink(nil)

// Log forwards the event to every non-nil sink, stamping it once so all sinks
// see the same id and timestamp.
func (m MultiAuditSink) Log(ctx context.Context, event Event) {
	event = Stamp(ctx, event)
	for _, sink := range m {
		if sink != nil {
			sink.Log(ctx, event)
		}
	}
}

// RecordingAuditSink keeps events in memory. It is intended for tests.
type RecordingAuditSink struct {
	mu     sync.Mutex
	events []Event
}

var _ AuditSink = (*RecordingAuditSink)(nil)

// Log records the event.
func (r *RecordingAuditSink) Log(ctx context.Context, event Event) {
	event = Stamp(ctx, event)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *RecordingAuditSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *RecordingAuditSink) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
