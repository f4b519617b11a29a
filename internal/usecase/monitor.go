package usecase

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/metrics"
)

// Rule is the escalation rule for one event type: Threshold events from the
// same IP inside Window trigger a block sized by Severity.
type Rule struct {
	Threshold int
	Window    time.Duration
	Severity  domain.Severity
}

// DefaultRules returns the built-in escalation rules.
func DefaultRules() map[domain.EventType]Rule {
	return map[domain.EventType]Rule{
		domain.EventLoginFailure:        {Threshold: 10, Window: 15 * time.Minute, Severity: domain.SeverityMedium},
		domain.EventXSSAttempt:          {Threshold: 3, Window: 10 * time.Minute, Severity: domain.SeverityHigh},
		domain.EventSQLInjectionAttempt: {Threshold: 3, Window: 10 * time.Minute, Severity: domain.SeverityCritical},
		domain.EventRateLimitExceeded:   {Threshold: 5, Window: 10 * time.Minute, Severity: domain.SeverityMedium},
		domain.EventTokenInvalid:        {Threshold: 20, Window: 15 * time.Minute, Severity: domain.SeverityMedium},
		domain.EventTokenReuse:          {Threshold: 1, Window: 30 * time.Minute, Severity: domain.SeverityHigh},
		domain.EventMFAFailure:          {Threshold: 5, Window: 15 * time.Minute, Severity: domain.SeverityMedium},
	}
}

// Severity of event types that carry no rule.
var defaultSeverity = map[domain.EventType]domain.Severity{
	domain.EventLoginSuccess:       domain.SeverityLow,
	domain.EventAccountLocked:      domain.SeverityMedium,
	domain.EventIPBlocked:          domain.SeverityMedium,
	domain.EventSuspiciousActivity: domain.SeverityHigh,
}

// SeverityDuration maps a severity to the escalation block duration.
func SeverityDuration(s domain.Severity) time.Duration {
	switch s {
	case domain.SeverityCritical:
		return 24 * time.Hour
	case domain.SeverityHigh:
		return time.Hour
	case domain.SeverityMedium:
		return 15 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// MonitorConfig configures the event monitor.
type MonitorConfig struct {
	BufferSize  int
	Rules       map[domain.EventType]Rule
	SinkTimeout time.Duration
	// SinkWorkers deliver queued events; SinkQueueSize bounds the backlog.
	// Events arriving at a full queue are dropped and counted.
	SinkWorkers   int
	SinkQueueSize int
}

type escalationKey struct {
	eventType domain.EventType
	ip        string
}

// SecurityMonitor keeps recent security events in a ring buffer and escalates
// bursts into IP blocks. Escalation runs synchronously inside RecordEvent so
// the block is visible when RecordEvent returns.
type SecurityMonitor struct {
	mu        sync.Mutex
	buf       []domain.SecurityEvent
	next      int // index of the slot to write
	size      int
	escalated map[escalationKey]time.Time

	rules       map[domain.EventType]Rule
	maxWindow   time.Duration
	blocker     domain.IPBlocker
	sinks       []domain.EventSink
	sinkTimeout time.Duration
	sinkQueue   chan domain.SecurityEvent
	sinkWG      sync.WaitGroup

	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *metrics.Recorder
}

// NewSecurityMonitor creates a monitor. blocker receives escalations; sinks
// receive every recorded event asynchronously.
func NewSecurityMonitor(cfg MonitorConfig, blocker domain.IPBlocker, clk clock.Clock, log logrus.FieldLogger, rec *metrics.Recorder, sinks ...domain.EventSink) *SecurityMonitor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if cfg.SinkWorkers <= 0 {
		cfg.SinkWorkers = 4
	}
	if cfg.SinkQueueSize <= 0 {
		cfg.SinkQueueSize = 1024
	}
	var maxWindow time.Duration
	for _, r := range cfg.Rules {
		if r.Window > maxWindow {
			maxWindow = r.Window
		}
	}
	m := &SecurityMonitor{
		buf:         make([]domain.SecurityEvent, cfg.BufferSize),
		escalated:   make(map[escalationKey]time.Time),
		rules:       cfg.Rules,
		maxWindow:   maxWindow,
		blocker:     blocker,
		sinks:       sinks,
		sinkTimeout: cfg.SinkTimeout,
		clock:       clk,
		log:         log.WithField("component", "security_monitor"),
		metrics:     rec,
	}
	if len(sinks) > 0 {
		m.sinkQueue = make(chan domain.SecurityEvent, cfg.SinkQueueSize)
		for i := 0; i < cfg.SinkWorkers; i++ {
			go m.deliver()
		}
	}
	return m
}

// RecordEvent stamps ev with a fresh id and the current time, stores it, and
// escalates when its rule threshold is reached. The returned error reports a
// failed escalation only; the event itself is always recorded.
func (m *SecurityMonitor) RecordEvent(ctx context.Context, ev domain.SecurityEvent) (domain.SecurityEvent, error) {
	ev.ID = uuid.NewString()
	ev.IP = normalizeIP(ev.IP)

	rule, hasRule := m.rules[ev.Type]
	switch {
	case hasRule:
		ev.Severity = rule.Severity
	case ev.Severity == "":
		if s, ok := defaultSeverity[ev.Type]; ok {
			ev.Severity = s
		} else {
			ev.Severity = domain.SeverityLow
		}
	}

	m.mu.Lock()
	now := m.clock.Now()
	ev.Timestamp = now
	m.buf[m.next] = ev
	m.next = (m.next + 1) % len(m.buf)
	if m.size < len(m.buf) {
		m.size++
	}
	escalate := hasRule && ev.IP != "" && m.shouldEscalateLocked(ev, rule, now)
	m.mu.Unlock()

	m.emit(ev)

	if !escalate {
		return ev, nil
	}
	return ev, m.escalate(ctx, ev, rule)
}

// shouldEscalateLocked counts matching events inside the rule window and
// claims the escalation slot for (type, ip). Caller holds mu.
func (m *SecurityMonitor) shouldEscalateLocked(ev domain.SecurityEvent, rule Rule, now time.Time) bool {
	key := escalationKey{eventType: ev.Type, ip: ev.IP}
	if last, ok := m.escalated[key]; ok && now.Sub(last) <= rule.Window {
		return false
	}

	count := 0
	m.eachLocked(func(e domain.SecurityEvent) bool {
		if now.Sub(e.Timestamp) > rule.Window {
			return false
		}
		if e.Type == ev.Type && e.IP == ev.IP {
			count++
		}
		return true
	})
	if count < rule.Threshold {
		return false
	}

	for k, t := range m.escalated {
		if now.Sub(t) > m.maxWindow {
			delete(m.escalated, k)
		}
	}
	m.escalated[key] = now
	return true
}

// eachLocked visits events newest first until fn returns false. Caller holds mu.
func (m *SecurityMonitor) eachLocked(fn func(domain.SecurityEvent) bool) {
	n := len(m.buf)
	for i := 1; i <= m.size; i++ {
		if !fn(m.buf[(m.next-i+n)%n]) {
			return
		}
	}
}

func (m *SecurityMonitor) escalate(ctx context.Context, ev domain.SecurityEvent, rule Rule) error {
	d := SeverityDuration(rule.Severity)
	applied, err := m.blocker.BlockTemporarily(ctx, ev.IP, d)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"ip":   ev.IP,
			"type": ev.Type,
		}).Error("escalation block failed")
		// Release the slot so the next matching event retries.
		m.mu.Lock()
		delete(m.escalated, escalationKey{eventType: ev.Type, ip: ev.IP})
		m.mu.Unlock()
		return err
	}

	m.metrics.Escalation(string(ev.Type))
	if applied {
		m.metrics.IPBlocked(metrics.ReasonEscalation)
	}

	// SUSPICIOUS_ACTIVITY has no rule, so recording it cannot re-escalate.
	_, err = m.RecordEvent(ctx, domain.SecurityEvent{
		Type:      domain.EventSuspiciousActivity,
		IP:        ev.IP,
		SubjectID: ev.SubjectID,
		Details: map[string]string{
			"trigger":   string(ev.Type),
			"threshold": strconv.Itoa(rule.Threshold),
			"window":    rule.Window.String(),
			"blocked":   d.String(),
			"applied":   strconv.FormatBool(applied),
		},
	})
	return err
}

func (m *SecurityMonitor) emit(ev domain.SecurityEvent) {
	m.metrics.SecurityEvent(string(ev.Type), string(ev.Severity))

	entry := m.log.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"type":     ev.Type,
		"severity": ev.Severity,
		"ip":       ev.IP,
		"subject":  ev.SubjectID,
	})
	for k, v := range ev.Details {
		entry = entry.WithField("detail_"+k, v)
	}
	switch ev.Severity {
	case domain.SeverityHigh, domain.SeverityCritical:
		entry.Warn("security event")
	default:
		entry.Info("security event")
	}

	if m.sinkQueue == nil {
		return
	}
	m.sinkWG.Add(1)
	select {
	case m.sinkQueue <- ev:
	default:
		m.sinkWG.Done()
		m.metrics.SinkDropped()
		m.log.WithField("event_id", ev.ID).Warn("event sink queue full, dropping event")
	}
}

// deliver publishes queued events to every sink, one event at a time.
func (m *SecurityMonitor) deliver() {
	for ev := range m.sinkQueue {
		for _, sink := range m.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), m.sinkTimeout)
			if err := sink.Publish(ctx, ev); err != nil {
				m.log.WithError(err).WithField("event_id", ev.ID).Warn("event sink publish failed")
			}
			cancel()
		}
		m.sinkWG.Done()
	}
}

// GetRecentEvents returns up to limit events, newest first. limit <= 0 returns all.
func (m *SecurityMonitor) GetRecentEvents(limit int) []domain.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > m.size {
		limit = m.size
	}
	out := make([]domain.SecurityEvent, 0, limit)
	m.eachLocked(func(e domain.SecurityEvent) bool {
		out = append(out, e)
		return len(out) < limit
	})
	return out
}

// GetEventStatistics counts buffered events by type with a timestamp at or
// after since. A zero since counts everything buffered.
func (m *SecurityMonitor) GetEventStatistics(since time.Time) map[domain.EventType]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[domain.EventType]int)
	m.eachLocked(func(e domain.SecurityEvent) bool {
		if e.Timestamp.Before(since) {
			return false
		}
		stats[e.Type]++
		return true
	})
	return stats
}

// Flush waits until every queued event has been delivered.
func (m *SecurityMonitor) Flush() {
	m.sinkWG.Wait()
}
