package oauthcore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhirmadi/mwapserver-sub005/internal/telemetry"
)

// MonitorConfig carries the configurable thresholds of §4.7, all with the
// spec's stated defaults.
type MonitorConfig struct {
	Window time.Duration // 5 minutes

	FailureRateMin  float64 // 0.50
	FailureRateHigh float64 // 0.80

	RapidAttempts   int // 10
	RapidAttemptsHi int // 20

	IPAbuse         int // 20
	IPAbuseCritical int // 50

	AttemptRetention time.Duration // 24h
	PatternRetention time.Duration // 24h
	AlertRetention   time.Duration // 7 * 24h

	EvictionInterval time.Duration // 60s

	MaxAttemptsPerKey int // 1000
}

// attemptKey identifies the (ip, userAgent) composite used for per-source
// rate metrics; ipOnly is used for the IP-abuse check across all agents.
type attemptKey struct {
	ip        string
	userAgent string
}

// Monitor is C7: an in-memory, append-only-per-window store of callback
// attempts with threshold-based suspicious-pattern detection and alert
// generation, running its own ticker-driven eviction goroutine, started and
// stopped like internal/audit.Writer's flush loop, over in-process state
// rather than database flushes.
type Monitor struct {
	cfg    MonitorConfig
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[attemptKey][]CallbackAttempt
	patterns []SuspiciousPattern
	alerts   []SecurityAlert

	wg sync.WaitGroup
}

// NewMonitor constructs a Monitor. Call Start to begin the eviction loop.
func NewMonitor(cfg MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[attemptKey][]CallbackAttempt),
	}
}

// Start launches the background eviction loop; it returns when ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.EvictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.evict(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop waits for the eviction loop to exit.
func (m *Monitor) Stop() {
	m.wg.Wait()
}

// Record ingests a callback outcome and runs threshold detection over the
// (ip, userAgent) and IP-only windows. Called from every callback outcome
// (success and failure exits of handleCallback); initiate and refresh do
// not record attempts.
func (m *Monitor) Record(attempt CallbackAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := attemptKey{ip: attempt.IP, userAgent: attempt.UserAgent}
	bucket := append(m.attempts[key], attempt)
	if len(bucket) > m.cfg.MaxAttemptsPerKey {
		bucket = bucket[len(bucket)-m.cfg.MaxAttemptsPerKey:]
	}
	m.attempts[key] = bucket

	m.detectStateManipulation(attempt)
	m.detectFailureRate(key, attempt.Timestamp)
	m.detectRapidAttempts(key, attempt.Timestamp)
	m.detectIPAbuse(attempt.IP, attempt.Timestamp)

	telemetry.ActiveSecurityAlerts.Set(float64(m.countActive()))
}

func (m *Monitor) windowSlice(bucket []CallbackAttempt, now time.Time) []CallbackAttempt {
	cutoff := now.Add(-m.cfg.Window)
	out := bucket[:0:0]
	for _, a := range bucket {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// detectFailureRate implements §4.7's failure-rate alert: >=50% failures
// over >=5 attempts sharing (ip, userAgent) in the window; HIGH at >=80%.
func (m *Monitor) detectFailureRate(key attemptKey, now time.Time) {
	recent := m.windowSlice(m.attempts[key], now)
	if len(recent) < 5 {
		return
	}
	failed := 0
	for _, a := range recent {
		if !a.Success {
			failed++
		}
	}
	rate := float64(failed) / float64(len(recent))
	if rate < m.cfg.FailureRateMin {
		return
	}
	severity := SeverityMedium
	if rate >= m.cfg.FailureRateHigh {
		severity = SeverityHigh
	}
	m.raisePattern(PatternHighFailureRate, severity, key.ip+"|"+key.userAgent,
		fmt.Sprintf("failure rate %.0f%% over %d attempts", rate*100, len(recent)),
		map[string]any{"failureRate": rate, "sampleSize": len(recent)}, now)
}

// detectRapidAttempts implements the >=10 attempts/(ip,userAgent)/window
// alert; HIGH at >=20.
func (m *Monitor) detectRapidAttempts(key attemptKey, now time.Time) {
	recent := m.windowSlice(m.attempts[key], now)
	if len(recent) < m.cfg.RapidAttempts {
		return
	}
	severity := SeverityMedium
	if len(recent) >= m.cfg.RapidAttemptsHi {
		severity = SeverityHigh
	}
	m.raisePattern(PatternRapidAttempts, severity, key.ip+"|"+key.userAgent,
		fmt.Sprintf("%d attempts in %s", len(recent), m.cfg.Window),
		map[string]any{"count": len(recent)}, now)
}

// detectIPAbuse implements the >=20 attempts/IP-across-all-agents/window
// alert; CRITICAL at >=50. Scans all buckets sharing the IP.
func (m *Monitor) detectIPAbuse(ip string, now time.Time) {
	total := 0
	for key, bucket := range m.attempts {
		if key.ip != ip {
			continue
		}
		total += len(m.windowSlice(bucket, now))
	}
	if total < m.cfg.IPAbuse {
		return
	}
	severity := SeverityHigh
	if total >= m.cfg.IPAbuseCritical {
		severity = SeverityCritical
	}
	m.raisePattern(PatternIPAbuse, severity, ip,
		fmt.Sprintf("%d attempts from ip in %s", total, m.cfg.Window),
		map[string]any{"count": total}, now)
}

// detectStateManipulation implements "any attempt whose securityIssues
// mention state/nonce/timestamp — always HIGH" (§4.7).
func (m *Monitor) detectStateManipulation(attempt CallbackAttempt) {
	for _, issue := range attempt.SecurityIssues {
		lower := strings.ToLower(issue)
		if strings.Contains(lower, "state") || strings.Contains(lower, "nonce") || strings.Contains(lower, "timestamp") {
			m.raisePattern(PatternStateManipulation, SeverityHigh, attempt.IP,
				"security issue flagged: "+issue,
				map[string]any{"issue": issue, "tenantId": attempt.TenantID}, attempt.Timestamp)
			return
		}
	}
}

// RecordReplay registers a duplicate-attempt (ALREADY_CONFIGURED) condition
// observed in C4 as a REPLAY_ATTACK pattern (§4.7 "Replay: duplicate-attempt
// condition observed in C4").
func (m *Monitor) RecordReplay(attempt CallbackAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raisePattern(PatternReplayAttack, SeverityMedium, attempt.IP,
		"duplicate callback attempt for an already-configured integration",
		map[string]any{"integrationId": attempt.IntegrationID}, attempt.Timestamp)
}

// raisePattern records a SuspiciousPattern and, for HIGH/CRITICAL severity,
// opens or extends a SECURITY_INCIDENT SecurityAlert (§4.7). Caller must
// hold m.mu.
func (m *Monitor) raisePattern(kind PatternKind, severity Severity, source, description string, evidence map[string]any, now time.Time) {
	pattern := SuspiciousPattern{
		ID:          uuid.NewString(),
		Kind:        kind,
		Severity:    severity,
		Description: description,
		Evidence:    evidence,
		Source:      source,
		DetectedAt:  now,
	}
	m.patterns = append(m.patterns, pattern)

	telemetry.SuspiciousPatternsDetectedTotal.WithLabelValues(string(kind)).Inc()

	if severity != SeverityHigh && severity != SeverityCritical {
		return
	}

	alert := SecurityAlert{
		ID:                 uuid.NewString(),
		PatternIDs:         []string{pattern.ID},
		Severity:           severity,
		RecommendedActions: recommendedActions(kind, source),
		Status:             AlertActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.alerts = append(m.alerts, alert)

	if m.logger != nil {
		m.logger.Warn("security alert raised",
			"kind", kind, "severity", severity, "source", source, "description", description)
	}
}

// recommendedActions produces a deterministic list of remediation
// suggestions per pattern kind (§4.7 "deterministic list of recommended
// actions").
func recommendedActions(kind PatternKind, source string) []string {
	switch kind {
	case PatternIPAbuse:
		return []string{
			fmt.Sprintf("consider blocking or rate limiting the source IP %s", source),
			"review recent attempts from this IP for a coordinated attack pattern",
		}
	case PatternRapidAttempts:
		return []string{
			"consider rate limiting this (ip, userAgent) pair",
			"verify the client is not retrying on a misconfigured redirect URI",
		}
	case PatternHighFailureRate:
		return []string{
			"investigate whether the provider's client credentials are still valid",
			"check for a misconfigured redirect URI causing repeated provider rejections",
		}
	case PatternStateManipulation:
		return []string{
			"treat the source IP as compromised until investigated",
			"rotate the state signing key if manipulation is confirmed",
		}
	case PatternReplayAttack:
		return []string{
			"verify the integration's flow context was cleared after the original success",
		}
	default:
		return []string{"investigate the flagged activity"}
	}
}

func (m *Monitor) countActive() int {
	n := 0
	for _, a := range m.alerts {
		if a.Status == AlertActive {
			n++
		}
	}
	return n
}

// evict drops attempts/patterns older than their retention windows and caps
// alert retention at 7 days (§4.7 data hygiene).
func (m *Monitor) evict(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attemptCutoff := now.Add(-m.cfg.AttemptRetention)
	for key, bucket := range m.attempts {
		kept := bucket[:0:0]
		for _, a := range bucket {
			if a.Timestamp.After(attemptCutoff) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, key)
		} else {
			m.attempts[key] = kept
		}
	}

	patternCutoff := now.Add(-m.cfg.PatternRetention)
	kept := m.patterns[:0:0]
	for _, p := range m.patterns {
		if p.DetectedAt.After(patternCutoff) {
			kept = append(kept, p)
		}
	}
	m.patterns = kept

	alertCutoff := now.Add(-m.cfg.AlertRetention)
	keptAlerts := m.alerts[:0:0]
	for _, a := range m.alerts {
		if a.CreatedAt.After(alertCutoff) {
			keptAlerts = append(keptAlerts, a)
		}
	}
	m.alerts = keptAlerts
}

// Metrics is the introspection payload for the admin "current metrics"
// operation (§4.7): totals, success/failure rate, and window boundaries.
type Metrics struct {
	WindowStart   time.Time
	WindowEnd     time.Time
	TotalAttempts int
	SuccessCount  int
	FailureCount  int
	SuccessRate   float64
	FailureRate   float64
}

// CurrentMetrics computes aggregate metrics over the configured window.
func (m *Monitor) CurrentMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := Metrics{WindowStart: now.Add(-m.cfg.Window), WindowEnd: now}
	for _, bucket := range m.attempts {
		for _, a := range m.windowSlice(bucket, now) {
			metrics.TotalAttempts++
			if a.Success {
				metrics.SuccessCount++
			} else {
				metrics.FailureCount++
			}
		}
	}
	if metrics.TotalAttempts > 0 {
		metrics.SuccessRate = float64(metrics.SuccessCount) / float64(metrics.TotalAttempts)
		metrics.FailureRate = float64(metrics.FailureCount) / float64(metrics.TotalAttempts)
	}
	return metrics
}

// ActiveAlerts returns all currently-active SecurityAlerts, most recent first.
func (m *Monitor) ActiveAlerts() []SecurityAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SecurityAlert
	for _, a := range m.alerts {
		if a.Status == AlertActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RecentPatterns returns the most recently detected patterns, most recent first.
func (m *Monitor) RecentPatterns(limit int) []SuspiciousPattern {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SuspiciousPattern, len(m.patterns))
	copy(out, m.patterns)
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DataExposureSelfCheck is the admin introspection operation that reports
// whether any in-memory record currently carries raw secret material,
// asserting the "never store tokens/codes in monitoring records" invariant
// (§8 property 2) by construction rather than by scanning — CallbackAttempt
// has no field capable of holding a token or authorization code.
func (m *Monitor) DataExposureSelfCheck() map[string]any {
	return map[string]any{
		"tokensStoredInMonitoring": false,
		"codesStoredInMonitoring":  false,
		"secretsLoggedInPatterns":  false,
		"note":                     "CallbackAttempt and SuspiciousPattern carry no field capable of holding token/code material",
	}
}

// AttackVectorSelfCheck is the admin introspection operation enumerating the
// attack vectors this monitor actively detects (§4.7).
func (m *Monitor) AttackVectorSelfCheck() []string {
	return []string{
		string(PatternHighFailureRate),
		string(PatternRapidAttempts),
		string(PatternIPAbuse),
		string(PatternStateManipulation),
		string(PatternReplayAttack),
	}
}
