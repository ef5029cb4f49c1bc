package authcore

import "sync/atomic"

// MetricID identifies one internal counter.
type MetricID uint16

const (
	// MetricRegisterSuccess counts completed sign-ups.
	MetricRegisterSuccess MetricID = iota
	// MetricRegisterDuplicate counts sign-ups rejected for an existing email.
	MetricRegisterDuplicate
	// MetricLoginSuccess counts password logins that issued tokens.
	MetricLoginSuccess
	// MetricLoginFailure counts rejected password logins of any reason.
	MetricLoginFailure
	// MetricRefreshSuccess counts completed refresh rotations.
	MetricRefreshSuccess
	// MetricRefreshReuseDetected counts refresh tokens presented after
	// they were already redeemed.
	MetricRefreshReuseDetected
	// MetricRefreshFailure counts refresh attempts rejected before rotation.
	MetricRefreshFailure
	// MetricLogout counts single-session logouts.
	MetricLogout
	// MetricLogoutAll counts all-session revocations.
	MetricLogoutAll
	// MetricSessionCreated counts refresh sessions written to the store.
	MetricSessionCreated
	// MetricSessionInvalidated counts sessions removed from the store.
	MetricSessionInvalidated
	// MetricVerificationRequest counts verification mails requested.
	MetricVerificationRequest
	// MetricVerificationSuccess counts accounts marked verified.
	MetricVerificationSuccess
	// MetricVerificationFailure counts rejected verification tokens.
	MetricVerificationFailure
	// MetricPasswordResetRequest counts reset mails requested.
	MetricPasswordResetRequest
	// MetricPasswordResetSuccess counts completed password resets.
	MetricPasswordResetSuccess
	// MetricPasswordResetFailure counts rejected reset tokens.
	MetricPasswordResetFailure
	// MetricPasswordChangeSuccess counts in-session password changes.
	MetricPasswordChangeSuccess
	// MetricSocialLogin counts provider sign-ins, first or repeat.
	MetricSocialLogin
	// MetricMailDeliveryFailure counts transactional mails the mailer rejected.
	MetricMailDeliveryFailure
	metricIDCount
)

const cacheLineSize = 64

// paddedCounter keeps each counter on its own cache line so hot flows
// on different cores do not false-share.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters. A nil or disabled
// Metrics accepts Inc calls and records nothing.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics builds the counter set from config.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter. Safe for concurrent use.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters. Counters are read individually, so the
// snapshot is consistent per counter, not across counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}

// CounterDef describes one counter for exporters.
type CounterDef struct {
	ID   MetricID
	Name string
	Help string
}

var counterDefs = []CounterDef{
	{MetricRegisterSuccess, "authcore_register_success_total", "Completed sign-ups."},
	{MetricRegisterDuplicate, "authcore_register_duplicate_total", "Sign-ups rejected for an existing email."},
	{MetricLoginSuccess, "authcore_login_success_total", "Password logins that issued tokens."},
	{MetricLoginFailure, "authcore_login_failure_total", "Rejected password logins."},
	{MetricRefreshSuccess, "authcore_refresh_success_total", "Completed refresh rotations."},
	{MetricRefreshReuseDetected, "authcore_refresh_reuse_detected_total", "Refresh tokens presented after redemption."},
	{MetricRefreshFailure, "authcore_refresh_failure_total", "Refresh attempts rejected before rotation."},
	{MetricLogout, "authcore_logout_total", "Single-session logouts."},
	{MetricLogoutAll, "authcore_logout_all_total", "All-session revocations."},
	{MetricSessionCreated, "authcore_session_created_total", "Refresh sessions written."},
	{MetricSessionInvalidated, "authcore_session_invalidated_total", "Refresh sessions removed."},
	{MetricVerificationRequest, "authcore_verification_request_total", "Verification mails requested."},
	{MetricVerificationSuccess, "authcore_verification_success_total", "Accounts marked verified."},
	{MetricVerificationFailure, "authcore_verification_failure_total", "Rejected verification tokens."},
	{MetricPasswordResetRequest, "authcore_password_reset_request_total", "Reset mails requested."},
	{MetricPasswordResetSuccess, "authcore_password_reset_success_total", "Completed password resets."},
	{MetricPasswordResetFailure, "authcore_password_reset_failure_total", "Rejected reset tokens."},
	{MetricPasswordChangeSuccess, "authcore_password_change_success_total", "In-session password changes."},
	{MetricSocialLogin, "authcore_social_login_total", "Provider sign-ins."},
	{MetricMailDeliveryFailure, "authcore_mail_delivery_failure_total", "Transactional mails the mailer rejected."},
}

// CounterDefs returns exporter metadata for every counter, in MetricID order.
func CounterDefs() []CounterDef {
	defs := make([]CounterDef, len(counterDefs))
	copy(defs, counterDefs)
	return defs
}
