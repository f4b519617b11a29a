package domain

import (
	"context"
	"time"
)

// EventType classifies a security event.
type EventType string

const (
	EventLoginSuccess        EventType = "LOGIN_SUCCESS"
	EventLoginFailure        EventType = "LOGIN_FAILURE"
	EventAccountLocked       EventType = "ACCOUNT_LOCKED"
	EventIPBlocked           EventType = "IP_BLOCKED"
	EventTokenInvalid        EventType = "TOKEN_INVALID"
	EventTokenReuse          EventType = "TOKEN_REUSE"
	EventMFAFailure          EventType = "MFA_FAILURE"
	EventXSSAttempt          EventType = "XSS_ATTEMPT"
	EventSQLInjectionAttempt EventType = "SQL_INJECTION_ATTEMPT"
	EventRateLimitExceeded   EventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousActivity  EventType = "SUSPICIOUS_ACTIVITY"
)

// Severity ranks an event; escalation block durations scale with it.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an immutable record kept for correlation, not an audit log of record.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	IP        string            `json:"ip"`
	SubjectID string            `json:"subject_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventSink receives recorded events (audit table, message bus). Best-effort.
type EventSink interface {
	Publish(ctx context.Context, ev SecurityEvent) error
}

// IPBlocker is the narrow view of the IP reputation tracker used for escalations.
type IPBlocker interface {
	BlockTemporarily(ctx context.Context, ip string, d time.Duration) (bool, error)
}
