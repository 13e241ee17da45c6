package input

import (
	"sync"
	"time"

	"driftpursuit/movesync/internal/logging"
)

// Clock exposes the current time for validator cooldown windows.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c clockFunc) Now() time.Time { return c() }

// ClockFunc adapts a plain function into a Clock.
func ClockFunc(fn func() time.Time) Clock { return clockFunc(fn) }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// GateConfig controls the ordering guards applied to inbound commands. Commands are never
// throttled by arrival time: two that land together must still leave the newer one in the
// command slot.
type GateConfig struct {
	// MaxSequenceJump rejects a command whose sequence leaps further ahead than this.
	// Zero disables it.
	MaxSequenceJump uint64
}

// DropReason enumerates why a command was rejected by the gate.
type DropReason string

const (
	DropReasonNone     DropReason = ""
	DropReasonSequence DropReason = "sequence"
	DropReasonJump     DropReason = "jump"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a command passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
}

// Stamp carries the ordering metadata of one inbound command.
type Stamp struct {
	PeerID   string
	Sequence uint64
}

type peerState struct {
	lastSequence uint64
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence uint64 `json:"sequence"`
	Jump     uint64 `json:"jump"`
}

// Total sums every drop reason.
func (d DropCounters) Total() uint64 { return d.Sequence + d.Jump }

// Metrics stores per-peer drop counters for diagnostics.
type Metrics struct {
	mu    sync.RWMutex
	drops map[string]DropCounters
}

func newMetrics() *Metrics {
	return &Metrics{drops: make(map[string]DropCounters)}
}

func (m *Metrics) observe(peerID string, reason DropReason) {
	if m == nil || peerID == "" || reason == DropReasonNone {
		return
	}
	m.mu.Lock()
	current := m.drops[peerID]
	switch reason {
	case DropReasonSequence:
		current.Sequence++
	case DropReasonJump:
		current.Jump++
	}
	m.drops[peerID] = current
	m.mu.Unlock()
}

func (m *Metrics) snapshot() map[string]DropCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(m.drops))
	for peerID, counters := range m.drops {
		clone[peerID] = counters
	}
	return clone
}

func (m *Metrics) forget(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.mu.Lock()
	delete(m.drops, peerID)
	m.mu.Unlock()
}

// Gate enforces strictly increasing command sequences per peer so a reordered or replayed
// command can never overwrite a fresher one in the authority's command slot.
type Gate struct {
	mu      sync.Mutex
	cfg     GateConfig
	logger  *logging.Logger
	metrics *Metrics
	peers   map[string]*peerState
}

// Option customises gate construction.
type Option func(*Gate)

// WithMetrics injects a shared metrics container so several gates aggregate together.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gate) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg GateConfig, logger *logging.Logger, opts ...Option) *Gate {
	gate := &Gate{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(),
		peers:   make(map[string]*peerState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies the ordering guards to the stamp.
func (g *Gate) Evaluate(stamp Stamp) Decision {
	decision := Decision{Accepted: true}
	if g == nil || stamp.PeerID == "" {
		return decision
	}
	g.mu.Lock()
	state := g.peers[stamp.PeerID]
	if state == nil {
		state = &peerState{}
		g.peers[stamp.PeerID] = state
	}

	switch {
	case stamp.Sequence == 0 || stamp.Sequence <= state.lastSequence:
		//1.- Sequence zero is reserved and anything at or behind the last accepted command is stale.
		decision = Decision{Reason: DropReasonSequence}
	case state.lastSequence != 0 && g.cfg.MaxSequenceJump > 0 && stamp.Sequence-state.lastSequence > g.cfg.MaxSequenceJump:
		decision = Decision{Reason: DropReasonJump}
	default:
		//2.- Promote the command as the latest accepted one for this peer.
		state.lastSequence = stamp.Sequence
	}
	g.mu.Unlock()

	if !decision.Accepted {
		g.metrics.observe(stamp.PeerID, decision.Reason)
		if g.logger != nil {
			g.logger.Debug("command dropped",
				logging.String("peer_id", stamp.PeerID),
				logging.Uint64("sequence", stamp.Sequence),
				logging.String("reason", decision.Reason.String()),
			)
		}
	}
	return decision
}

// LastSequence reports the newest accepted sequence for a peer.
func (g *Gate) LastSequence(peerID string) uint64 {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if state := g.peers[peerID]; state != nil {
		return state.lastSequence
	}
	return 0
}

// Forget clears cached sequencing and metrics for a disconnected peer.
func (g *Gate) Forget(peerID string) {
	if g == nil || peerID == "" {
		return
	}
	g.mu.Lock()
	delete(g.peers, peerID)
	g.mu.Unlock()
	g.metrics.forget(peerID)
}

// Metrics returns a snapshot of the latest drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}
