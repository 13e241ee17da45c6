package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/networking"
	"driftpursuit/movesync/internal/replay"
	"driftpursuit/movesync/internal/simulation"
	"driftpursuit/movesync/internal/world"
)

// ReadinessProvider exposes the process state required for readiness checks.
type ReadinessProvider interface {
	Peers() int
	StartupError() error
	Uptime() time.Duration
}

// TraceRoller closes the active movement trace and opens a fresh one.
type TraceRoller interface {
	RollTrace(ctx context.Context) (string, error)
}

// TraceRollerFunc adapts a function into a TraceRoller.
type TraceRollerFunc func(ctx context.Context) (string, error)

// RollTrace implements TraceRoller.
func (f TraceRollerFunc) RollTrace(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet. Every source is optional.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	World        func() world.Summary
	Ticks        func() simulation.TickStats
	CommandDrops func() input.DropCounters
	Snapshots    *networking.SnapshotMetrics
	Bandwidth    *networking.BandwidthRegulator
	Trace        TraceRoller
	TraceStats   func() replay.Stats
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	opts   Options
	logger *logging.Logger
	token  string
	now    func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{opts: opts, logger: logger, token: strings.TrimSpace(opts.AdminToken), now: now}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/trace/roll", h.TraceRollHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness together with entity and peer counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Entities      int     `json:"entities"`
		Peers         int     `json:"peers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.opts.World != nil {
			resp.Entities = h.opts.World().Entities
		}
		if h.opts.Readiness != nil {
			resp.Peers = h.opts.Readiness.Peers()
			resp.UptimeSeconds = h.opts.Readiness.Uptime().Seconds()
			if err := h.opts.Readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

type metricWriter struct{ w io.Writer }

func (m metricWriter) header(name, kind, help string) {
	fmt.Fprintf(m.w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(m.w, "# TYPE %s %s\n", name, kind)
}

func (m metricWriter) gauge(name, help string, value float64) {
	m.header(name, "gauge", help)
	fmt.Fprintf(m.w, "%s %s\n", name, formatFloat(value))
}

func (m metricWriter) counter(name, help string, value uint64) {
	m.header(name, "counter", help)
	fmt.Fprintf(m.w, "%s %d\n", name, value)
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := metricWriter{w: w}

		if h.opts.Readiness != nil {
			m.gauge("movesync_uptime_seconds", "Process uptime in seconds.", math.Round(h.opts.Readiness.Uptime().Seconds()))
			m.gauge("movesync_peers", "Connected predicting peers.", float64(h.opts.Readiness.Peers()))
		}
		if h.opts.World != nil {
			summary := h.opts.World()
			m.gauge("movesync_entities", "Movement entities registered in the world.", float64(summary.Entities))
			m.counter("movesync_world_steps_total", "Fixed steps executed by the world.", summary.Steps)
			m.header("movesync_corrections_total", "counter", "Predictor reconciliations by kind.")
			fmt.Fprintf(w, "movesync_corrections_total{kind=\"soft\"} %d\n", summary.SoftCorrections)
			fmt.Fprintf(w, "movesync_corrections_total{kind=\"hard\"} %d\n", summary.HardCorrections)
			fmt.Fprintf(w, "movesync_corrections_total{kind=\"stale\"} %d\n", summary.StaleSnapshots)
			m.counter("movesync_commands_received_total", "Commands accepted into authority mailboxes.", summary.CommandsReceived)
			m.counter("movesync_snapshots_sent_total", "Snapshots handed to transport by authorities.", summary.SnapshotsSent)
			m.counter("movesync_send_failures_total", "Command or snapshot sends that failed.", summary.SendFailures)
		}
		if h.opts.Ticks != nil {
			ticks := h.opts.Ticks()
			m.gauge("movesync_tick_avg_seconds", "Average wall time of a simulation step.", ticks.Average.Seconds())
			m.gauge("movesync_tick_max_seconds", "Worst wall time of a simulation step.", ticks.Max.Seconds())
			m.counter("movesync_tick_overruns_total", "Simulation steps that took longer than their budget.", ticks.Overruns)
			m.counter("movesync_tick_skipped_total", "Simulation steps dropped to recover from a stall.", ticks.Skipped)
		}
		if h.opts.CommandDrops != nil {
			drops := h.opts.CommandDrops()
			m.header("movesync_commands_dropped_total", "counter", "Inbound commands rejected by the sequence gate.")
			fmt.Fprintf(w, "movesync_commands_dropped_total{reason=%q} %d\n", input.DropReasonSequence, drops.Sequence)
			fmt.Fprintf(w, "movesync_commands_dropped_total{reason=%q} %d\n", input.DropReasonJump, drops.Jump)
		}
		if h.opts.Snapshots != nil {
			bytes := h.opts.Snapshots.BytesPerClient()
			m.header("movesync_snapshot_bytes_per_client", "gauge", "Encoded size of the last snapshot sent to each peer.")
			for _, peerID := range networking.SortedPeers(bytes) {
				fmt.Fprintf(w, "movesync_snapshot_bytes_per_client{client=%q} %d\n", peerID, bytes[peerID])
			}
			drops := h.opts.Snapshots.DropCounts()
			reasons := make([]string, 0, len(drops))
			for reason := range drops {
				reasons = append(reasons, string(reason))
			}
			sort.Strings(reasons)
			m.header("movesync_snapshots_dropped_total", "counter", "Snapshots that never reached a peer.")
			for _, reason := range reasons {
				fmt.Fprintf(w, "movesync_snapshots_dropped_total{reason=%q} %d\n", reason, drops[networking.DropReason(reason)])
			}
		}
		if h.opts.Bandwidth != nil {
			usage := h.opts.Bandwidth.SnapshotUsage()
			peers := make([]string, 0, len(usage))
			for peerID := range usage {
				peers = append(peers, peerID)
			}
			sort.Strings(peers)
			if len(peers) > 0 {
				m.header("movesync_bandwidth_bytes_per_second", "gauge", "Observed outbound bandwidth per peer.")
				for _, peerID := range peers {
					fmt.Fprintf(w, "movesync_bandwidth_bytes_per_second{client=%q} %.2f\n", peerID, usage[peerID].BytesPerSecond)
				}
				m.header("movesync_bandwidth_denied_total", "counter", "Snapshots throttled per peer.")
				for _, peerID := range peers {
					fmt.Fprintf(w, "movesync_bandwidth_denied_total{client=%q} %d\n", peerID, usage[peerID].Denied)
				}
			}
		}
		if h.opts.TraceStats != nil {
			stats := h.opts.TraceStats()
			m.gauge("movesync_trace_events", "Events written to the active trace bundle.", float64(stats.Events))
			m.gauge("movesync_trace_frames", "Frames written to the active trace bundle.", float64(stats.Frames))
			m.counter("movesync_trace_rolls_total", "Trace bundles rolled.", uint64(stats.Rolls))
			m.counter("movesync_trace_write_errors_total", "Trace records that failed to write.", uint64(stats.WriteErrors))
		}
	}
}

// TraceRollHandler authorises and triggers a trace roll.
func (h *HandlerSet) TraceRollHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
		Closed string `json:"closed,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "trace_roll"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		//1.- Authenticate before charging the limiter.
		if h.token == "" {
			reqLogger.Warn("trace roll denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("trace roll denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.opts.RateLimiter != nil && !h.opts.RateLimiter.Allow() {
			reqLogger.Warn("trace roll denied: rate limit exceeded")
			if limiter, ok := h.opts.RateLimiter.(*SlidingWindowLimiter); ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limiter.RetryAfter().Seconds()))))
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.opts.Trace == nil {
			reqLogger.Warn("trace roll denied: tracing disabled")
			http.Error(w, "movement tracing is unavailable", http.StatusServiceUnavailable)
			return
		}
		closed, err := h.opts.Trace.RollTrace(r.Context())
		if err != nil {
			reqLogger.Error("trace roll failed", logging.Error(err))
			http.Error(w, "failed to roll trace", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("trace rolled", logging.String("closed", closed))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Closed: closed})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
