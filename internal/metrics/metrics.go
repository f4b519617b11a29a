// Package metrics exposes Prometheus counters for the authentication and
// abuse-mitigation paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "sentinel"

	counterLoginAttempts   = "login_attempts_total"
	counterIPBlocks        = "ip_blocks_total"
	counterAccountLockouts = "account_lockouts_total"
	counterSecurityEvents  = "security_events_total"
	counterEscalations     = "escalations_total"
	counterTokenOperations = "token_operations_total"
	counterStoreErrors     = "store_errors_total"
	counterSinkDropped     = "event_sink_dropped_total"
)

const (
	resultLabel    = "result"
	reasonLabel    = "reason"
	typeLabel      = "type"
	severityLabel  = "severity"
	operationLabel = "op"
	componentLabel = "component"
)

// Block reasons reported on sentinel_ip_blocks_total.
const (
	ReasonThreshold  = "threshold"
	ReasonEscalation = "escalation"
	ReasonManual     = "manual"
	ReasonPermanent  = "permanent"
)

// Recorder groups the service counters. A nil *Recorder is a valid no-op.
type Recorder struct {
	loginAttempts   *prometheus.CounterVec
	ipBlocks        *prometheus.CounterVec
	accountLockouts prometheus.Counter
	securityEvents  *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	tokenOperations *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	sinkDropped     prometheus.Counter
}

// NewRecorder creates the counters and registers them with registry.
func NewRecorder(registry prometheus.Registerer) *Recorder {
	r := &Recorder{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterLoginAttempts,
			Help:      "Number of login attempts, by result",
		}, []string{resultLabel}),
		ipBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterIPBlocks,
			Help:      "Number of IP blocks applied, by reason",
		}, []string{reasonLabel}),
		accountLockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterAccountLockouts,
			Help:      "Number of accounts that crossed the lockout threshold",
		}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterSecurityEvents,
			Help:      "Number of recorded security events, by type and severity",
		}, []string{typeLabel, severityLabel}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterEscalations,
			Help:      "Number of monitor escalations into IP blocks, by triggering event type",
		}, []string{typeLabel}),
		tokenOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterTokenOperations,
			Help:      "Number of token operations, by operation and result",
		}, []string{operationLabel, resultLabel}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterStoreErrors,
			Help:      "Number of backing store failures, by component",
		}, []string{componentLabel}),
		sinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      counterSinkDropped,
			Help:      "Number of security events not delivered to sinks because the queue was full",
		}),
	}

	registry.MustRegister(
		r.loginAttempts,
		r.ipBlocks,
		r.accountLockouts,
		r.securityEvents,
		r.escalations,
		r.tokenOperations,
		r.storeErrors,
		r.sinkDropped,
	)
	return r
}

func (r *Recorder) LoginAttempt(result string) {
	if r == nil {
		return
	}
	r.loginAttempts.WithLabelValues(result).Inc()
}

func (r *Recorder) IPBlocked(reason string) {
	if r == nil {
		return
	}
	r.ipBlocks.WithLabelValues(reason).Inc()
}

func (r *Recorder) AccountLocked() {
	if r == nil {
		return
	}
	r.accountLockouts.Inc()
}

func (r *Recorder) SecurityEvent(eventType, severity string) {
	if r == nil {
		return
	}
	r.securityEvents.WithLabelValues(eventType, severity).Inc()
}

func (r *Recorder) Escalation(eventType string) {
	if r == nil {
		return
	}
	r.escalations.WithLabelValues(eventType).Inc()
}

func (r *Recorder) TokenOperation(op, result string) {
	if r == nil {
		return
	}
	r.tokenOperations.WithLabelValues(op, result).Inc()
}

func (r *Recorder) StoreError(component string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(component).Inc()
}

func (r *Recorder) SinkDropped() {
	if r == nil {
		return
	}
	r.sinkDropped.Inc()
}
