package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/NicolasHaas/wordquizzle/pkg/version"
)

// metricsRouter serves /metrics in Prometheus text exposition format, the
// same counters as JSON under /metrics.json, and a liveness probe.
func (s *Server) metricsRouter() *httprouter.Router {
	mux := httprouter.New()
	mux.GET("/metrics", s.handleMetrics)
	mux.GET("/metrics.json", s.handleMetricsJSON)
	mux.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.GET("/version", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		_, _ = io.WriteString(w, version.Full()+"\n")
	})
	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.log.Error("metrics handler panic", "path", r.URL.Path, "panic", v)
		w.WriteHeader(http.StatusInternalServerError)
	}
	return mux
}

// StartMetricsHTTP starts the metrics endpoint in the background. It shuts
// down when the server context is cancelled. An empty Config.MetricsAddr
// disables it.
func (s *Server) StartMetricsHTTP() error {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen metrics: %w", err)
	}

	srv := &http.Server{
		Handler:           s.metricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.log.Info("metrics HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
	return nil
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, s.metrics.JSON())
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP wordquizzle_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE wordquizzle_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "wordquizzle_uptime_seconds %f\n", uptime)

	write("wordquizzle_connections_active", "Current open connections.", "gauge",
		m.ActiveConnections.Load())
	write("wordquizzle_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("wordquizzle_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("wordquizzle_sessions_active", "Users currently logged in.", "gauge",
		int64(s.sessions.Count()))
	write("wordquizzle_accounts", "Registered accounts.", "gauge",
		int64(s.registry.Count()))

	write("wordquizzle_registrations_total", "Accounts registered.", "counter",
		m.Registrations.Load())
	write("wordquizzle_login_success_total", "Successful logins.", "counter",
		m.SuccessfulLogins.Load())
	write("wordquizzle_login_failed_total", "Failed logins.", "counter",
		m.FailedLogins.Load())
	write("wordquizzle_login_throttled_total", "Login attempts refused by the rate limiter.", "counter",
		m.ThrottledLogins.Load())
	write("wordquizzle_commands_total", "Commands handled.", "counter",
		m.CommandsHandled.Load())
	write("wordquizzle_commands_rejected_total", "Malformed or unknown commands.", "counter",
		m.CommandsRejected.Load())

	write("wordquizzle_challenges_total", "Challenges issued.", "counter",
		m.ChallengesIssued.Load())
	write("wordquizzle_challenges_accepted_total", "Challenges accepted.", "counter",
		m.ChallengesAccepted.Load())
	write("wordquizzle_challenges_expired_total", "Challenges not accepted in time.", "counter",
		m.ChallengesExpired.Load())
	write("wordquizzle_challenges_abandoned_total", "Challenges whose invitee left.", "counter",
		m.ChallengesAbandoned.Load())
	write("wordquizzle_translation_failures_total", "Matches cancelled by a translation failure.", "counter",
		m.TranslationFailures.Load())

	write("wordquizzle_matches_active", "Users currently in a match.", "gauge",
		int64(s.inGame.Count()))
	write("wordquizzle_matches_started_total", "Matches started.", "counter",
		m.MatchesStarted.Load())
	write("wordquizzle_matches_finished_total", "Matches finished.", "counter",
		m.MatchesFinished.Load())
	write("wordquizzle_matches_timed_out_total", "Matches ended by the deadline.", "counter",
		m.MatchesTimedOut.Load())
	write("wordquizzle_forfeits_total", "Players who left a match early.", "counter",
		m.Forfeits.Load())

	write("wordquizzle_notices_sent_total", "Side-channel datagrams sent.", "counter",
		m.NoticesSent.Load())
	write("wordquizzle_notices_failed_total", "Side-channel datagrams that failed.", "counter",
		m.NoticesFailed.Load())
}
