package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/networking"
	"driftpursuit/movesync/internal/replay"
	"driftpursuit/movesync/internal/simulation"
	"driftpursuit/movesync/internal/world"
)

type stubReadiness struct {
	peers  int
	uptime time.Duration
	err    error
}

func (s *stubReadiness) Peers() int            { return s.peers }
func (s *stubReadiness) StartupError() error   { return s.err }
func (s *stubReadiness) Uptime() time.Duration { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2026, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	handlers.LivenessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" || payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadinessHandlerReportsCounts(t *testing.T) {
	readiness := &stubReadiness{peers: 3, uptime: 45 * time.Second}
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: readiness,
		World:     func() world.Summary { return world.Summary{Entities: 4} },
	})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Entities      int     `json:"entities"`
		Peers         int     `json:"peers"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" || payload.Entities != 4 || payload.Peers != 3 || payload.UptimeSeconds != 45 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	//1.- A startup error flips readiness to 503.
	readiness.err = errors.New("listener failed")
	rr = httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "listener failed") {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	snapshots := networking.NewSnapshotMetrics()
	snapshots.ObserveSent("peer-b", 84)
	snapshots.ObserveSent("peer-a", 91)
	snapshots.ObserveDrop(networking.DropBandwidth)

	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{peers: 2, uptime: 90 * time.Second},
		World: func() world.Summary {
			return world.Summary{Entities: 2, Steps: 500, SoftCorrections: 40, HardCorrections: 1, StaleSnapshots: 3}
		},
		Ticks: func() simulation.TickStats {
			return simulation.TickStats{Samples: 10, Average: 250 * time.Microsecond, Max: 2 * time.Millisecond, Overruns: 4}
		},
		CommandDrops: func() input.DropCounters { return input.DropCounters{Sequence: 5, Jump: 1} },
		Snapshots:    snapshots,
		TraceStats:   func() replay.Stats { return replay.Stats{Events: 7, Frames: 120, Rolls: 2} },
	})

	rr := httptest.NewRecorder()
	handlers.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"movesync_uptime_seconds 90",
		"movesync_peers 2",
		"movesync_entities 2",
		"movesync_world_steps_total 500",
		`movesync_corrections_total{kind="soft"} 40`,
		`movesync_corrections_total{kind="hard"} 1`,
		`movesync_corrections_total{kind="stale"} 3`,
		"movesync_tick_avg_seconds 0.000250",
		"movesync_tick_max_seconds 0.002000",
		"movesync_tick_overruns_total 4",
		`movesync_commands_dropped_total{reason="sequence"} 5`,
		`movesync_commands_dropped_total{reason="jump"} 1`,
		`movesync_snapshots_dropped_total{reason="bandwidth"} 1`,
		"movesync_trace_frames 120",
		"movesync_trace_rolls_total 2",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
	a := strings.Index(body, `movesync_snapshot_bytes_per_client{client="peer-a"} 91`)
	b := strings.Index(body, `movesync_snapshot_bytes_per_client{client="peer-b"} 84`)
	if a < 0 || b < 0 || a > b {
		t.Fatalf("per peer gauges missing or unsorted:\n%s", body)
	}
}

func TestTraceRollHandlerAuthAndRateLimits(t *testing.T) {
	calls := 0
	roller := TraceRollerFunc(func(context.Context) (string, error) {
		calls++
		return "/traces/movesync-1", nil
	})
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Trace:       roller,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(method, token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/trace/roll", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.TraceRollHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(http.MethodGet, "topsecret"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, "wrong"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for wrong token, got %d", resp.Code)
	}
	if limiter.remaining != 1 {
		t.Fatalf("unauthorised requests consumed the limiter")
	}

	resp := makeRequest(http.MethodPost, "topsecret")
	if resp.Code != http.StatusAccepted || !strings.Contains(resp.Body.String(), "movesync-1") {
		t.Fatalf("expected 202 with closed bundle, got %d %s", resp.Code, resp.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected roller invoked once, got %d", calls)
	}
	if resp := makeRequest(http.MethodPost, "topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestTraceRollHandlerUnavailableStates(t *testing.T) {
	noToken := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	rr := httptest.NewRecorder()
	noToken.TraceRollHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/trace/roll", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin token, got %d", rr.Code)
	}

	noTrace := NewHandlerSet(Options{Logger: logging.NewTestLogger(), AdminToken: "t"})
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/trace/roll", nil)
	req.Header.Set("X-Admin-Token", "t")
	noTrace.TraceRollHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a roller, got %d", rr.Code)
	}

	failing := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		AdminToken: "t",
		Trace:      TraceRollerFunc(func(context.Context) (string, error) { return "", errors.New("disk full") }),
	})
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/trace/roll", nil)
	req.Header.Set("Authorization", "t")
	failing.TraceRollHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on roll failure, got %d", rr.Code)
	}
}
