package server

import (
	"sync"
	"time"
)

// BanSet is the process-wide set of banned emails. Append-only for the
// process lifetime: there is no unban operation, and the set is not
// persisted across restarts.
type BanSet struct {
	mu     sync.RWMutex
	emails map[string]struct{}
}

// NewBanSet creates an empty ban set.
func NewBanSet() *BanSet {
	return &BanSet{emails: make(map[string]struct{})}
}

// Add bans an email. Idempotent.
func (b *BanSet) Add(email string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emails[email] = struct{}{}
}

// Contains reports whether the email is banned.
func (b *BanSet) Contains(email string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.emails[email]
	return ok
}

// Len returns the number of banned emails.
func (b *BanSet) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.emails)
}

// RateResult is the outcome of a rate check.
type RateResult uint8

const (
	// RateAllowed: the message respects the minimum spacing.
	RateAllowed RateResult = iota
	// RateTooFast: the message violates the spacing; warn and drop it.
	RateTooFast
	// RateBanTriggered: the violation count reached the ban threshold.
	RateBanTriggered
)

// ViolationResult is the outcome of recording a content violation.
type ViolationResult uint8

const (
	// ViolationRecorded: counted, session may continue.
	ViolationRecorded ViolationResult = iota
	// ViolationBanTriggered: the violation count reached the ban threshold.
	ViolationBanTriggered
)

// Enforcer applies the abuse policy: minimum message spacing, per-session
// violation counters, and ban escalation. Thresholds come from configuration,
// never hard-coded at call sites.
type Enforcer struct {
	minSpacing           time.Duration
	maxRateViolations    int
	maxContentViolations int
	bans                 *BanSet
	metrics              *Metrics
}

// NewEnforcer builds an enforcer over the shared ban set.
func NewEnforcer(minSpacing time.Duration, maxRateViolations, maxContentViolations int, bans *BanSet) *Enforcer {
	return &Enforcer{
		minSpacing:           minSpacing,
		maxRateViolations:    maxRateViolations,
		maxContentViolations: maxContentViolations,
		bans:                 bans,
	}
}

// SetMetrics attaches metrics to the enforcer.
func (e *Enforcer) SetMetrics(metrics *Metrics) {
	e.metrics = metrics
}

// CheckRate enforces the minimum spacing between accepted messages. An
// allowed message updates lastMessageAt; a violation counts toward the ban
// threshold and leaves lastMessageAt untouched. The first message of a
// session is always allowed. Must be called from the session's own reader
// goroutine: the counters are unsynchronized by design.
func (e *Enforcer) CheckRate(sess *Session, now time.Time) RateResult {
	if !sess.lastMessageAt.IsZero() && now.Sub(sess.lastMessageAt) < e.minSpacing {
		sess.rateViolations++
		if e.metrics != nil {
			e.metrics.RecordRateViolation()
		}
		if sess.rateViolations >= e.maxRateViolations {
			return RateBanTriggered
		}
		return RateTooFast
	}
	sess.lastMessageAt = now
	return RateAllowed
}

// RecordViolation counts one content violation against the session.
func (e *Enforcer) RecordViolation(sess *Session) ViolationResult {
	sess.unsafeCount++
	if e.metrics != nil {
		e.metrics.RecordContentViolation()
	}
	if sess.unsafeCount >= e.maxContentViolations {
		return ViolationBanTriggered
	}
	return ViolationRecorded
}

// Ban adds the email to the shared ban set. Idempotent.
func (e *Enforcer) Ban(email string) {
	e.bans.Add(email)
	if e.metrics != nil {
		e.metrics.RecordBan()
	}
}
