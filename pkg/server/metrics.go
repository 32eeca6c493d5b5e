package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics with lock-free counters.
type Metrics struct {
	startTime time.Time

	// Connections and accounts
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections
	TotalDisconnects  atomic.Int64
	Registrations     atomic.Int64
	SuccessfulLogins  atomic.Int64
	FailedLogins      atomic.Int64
	ThrottledLogins   atomic.Int64 // login attempts refused by the rate limiter
	CommandsHandled   atomic.Int64
	CommandsRejected  atomic.Int64 // unknown verb or wrong argument count

	// Challenges
	ChallengesIssued    atomic.Int64
	ChallengesAccepted  atomic.Int64
	ChallengesExpired   atomic.Int64 // not accepted within the accept timeout
	ChallengesAbandoned atomic.Int64 // invitee left before answering
	TranslationFailures atomic.Int64

	// Matches
	MatchesStarted  atomic.Int64
	MatchesFinished atomic.Int64
	MatchesTimedOut atomic.Int64
	Forfeits        atomic.Int64

	// Side channel
	NoticesSent   atomic.Int64
	NoticesFailed atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	Registrations     int64 `json:"registrations"`
	SuccessfulLogins  int64 `json:"successful_logins"`
	FailedLogins      int64 `json:"failed_logins"`
	ThrottledLogins   int64 `json:"throttled_logins"`
	CommandsHandled   int64 `json:"commands_handled"`
	CommandsRejected  int64 `json:"commands_rejected"`

	ChallengesIssued    int64 `json:"challenges_issued"`
	ChallengesAccepted  int64 `json:"challenges_accepted"`
	ChallengesExpired   int64 `json:"challenges_expired"`
	ChallengesAbandoned int64 `json:"challenges_abandoned"`
	TranslationFailures int64 `json:"translation_failures"`

	MatchesStarted  int64 `json:"matches_started"`
	MatchesFinished int64 `json:"matches_finished"`
	MatchesTimedOut int64 `json:"matches_timed_out"`
	Forfeits        int64 `json:"forfeits"`

	NoticesSent   int64 `json:"notices_sent"`
	NoticesFailed int64 `json:"notices_failed"`
}

// Snapshot returns a snapshot of all counters. Each counter is read
// atomically; the set as a whole is not.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		Registrations:       m.Registrations.Load(),
		SuccessfulLogins:    m.SuccessfulLogins.Load(),
		FailedLogins:        m.FailedLogins.Load(),
		ThrottledLogins:     m.ThrottledLogins.Load(),
		CommandsHandled:     m.CommandsHandled.Load(),
		CommandsRejected:    m.CommandsRejected.Load(),
		ChallengesIssued:    m.ChallengesIssued.Load(),
		ChallengesAccepted:  m.ChallengesAccepted.Load(),
		ChallengesExpired:   m.ChallengesExpired.Load(),
		ChallengesAbandoned: m.ChallengesAbandoned.Load(),
		TranslationFailures: m.TranslationFailures.Load(),
		MatchesStarted:      m.MatchesStarted.Load(),
		MatchesFinished:     m.MatchesFinished.Load(),
		MatchesTimedOut:     m.MatchesTimedOut.Load(),
		Forfeits:            m.Forfeits.Load(),
		NoticesSent:         m.NoticesSent.Load(),
		NoticesFailed:       m.NoticesFailed.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"challenges", s.ChallengesIssued,
		"matches_started", s.MatchesStarted,
		"matches_finished", s.MatchesFinished,
		"translation_failures", s.TranslationFailures,
	)
}

// StartPeriodicLog logs a summary every interval until done is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}
