package input

import (
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"driftpursuit/movesync/internal/logging"
)

// ValidationReason identifies why a command payload was rejected by the validator.
type ValidationReason string

const (
	ValidationReasonNone           ValidationReason = ""
	ValidationReasonNonFinite      ValidationReason = "non_finite"
	ValidationReasonLookRange      ValidationReason = "look_range"
	ValidationReasonCooldownActive ValidationReason = "cooldown_active"
)

// Payload is the subset of a movement command the validator inspects.
type Payload struct {
	Move mgl64.Vec2
	Look mgl64.Vec2
}

// Constraints configures the validator's bounds and cooldown policy. Move magnitude is not
// bounded here: the engine clamps every stored move vector to unit length.
type Constraints struct {
	// MaxLookDelta bounds either look axis for a single tick.
	MaxLookDelta       float64
	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
	MaxCooldownStrikes int
}

// DefaultConstraints provides the baseline for production traffic.
var DefaultConstraints = Constraints{
	MaxLookDelta:       720,
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
	MaxCooldownStrikes: 3,
}

// ValidationDecision summarises the result of a Validate call.
type ValidationDecision struct {
	Accepted   bool
	Reason     ValidationReason
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

// ValidationCounters aggregates per-peer violation statistics.
type ValidationCounters struct {
	Violations  map[ValidationReason]uint64 `json:"violations,omitempty"`
	Cooldowns   uint64                      `json:"cooldowns"`
	Disconnects uint64                      `json:"disconnects"`
}

// ValidatorOption customises validator construction.
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the clock used to determine cooldown windows.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// Validator rejects malformed command payloads and cools down peers that keep sending them.
type Validator struct {
	mu      sync.Mutex
	cfg     Constraints
	clock   Clock
	logger  *logging.Logger
	peers   map[string]*validatorPeerState
	metrics map[string]ValidationCounters
}

type validatorPeerState struct {
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
}

// NewValidator builds a validator, filling unset constraints from DefaultConstraints.
func NewValidator(cfg Constraints, logger *logging.Logger, opts ...ValidatorOption) *Validator {
	if cfg.MaxLookDelta <= 0 {
		cfg.MaxLookDelta = DefaultConstraints.MaxLookDelta
	}
	if cfg.InvalidBurstLimit <= 0 {
		cfg.InvalidBurstLimit = DefaultConstraints.InvalidBurstLimit
	}
	if cfg.InvalidBurstWindow <= 0 {
		cfg.InvalidBurstWindow = DefaultConstraints.InvalidBurstWindow
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultConstraints.CooldownDuration
	}
	if cfg.MaxCooldownStrikes <= 0 {
		cfg.MaxCooldownStrikes = DefaultConstraints.MaxCooldownStrikes
	}
	validator := &Validator{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		peers:   make(map[string]*validatorPeerState),
		metrics: make(map[string]ValidationCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// Validate checks the payload and records any violation against the peer.
func (v *Validator) Validate(peerID string, payload Payload) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: true}
	}
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.peers[peerID]
	if state == nil {
		state = &validatorPeerState{}
		v.peers[peerID] = state
	}

	if !state.cooldownUntil.IsZero() && now.Before(state.cooldownUntil) {
		return ValidationDecision{Reason: ValidationReasonCooldownActive, Cooldown: state.cooldownUntil.Sub(now)}
	}

	if reason := v.check(payload); reason != ValidationReasonNone {
		return v.registerViolationLocked(peerID, state, now, reason)
	}
	state.invalidCount = 0
	state.firstInvalid = time.Time{}
	return ValidationDecision{Accepted: true}
}

func (v *Validator) check(p Payload) ValidationReason {
	//1.- NaN and Inf poison the body pose permanently, so they are checked before any bound.
	if !finite(p.Move.X()) || !finite(p.Move.Y()) || !finite(p.Look.X()) || !finite(p.Look.Y()) {
		return ValidationReasonNonFinite
	}
	if math.Abs(p.Look.X()) > v.cfg.MaxLookDelta || math.Abs(p.Look.Y()) > v.cfg.MaxLookDelta {
		return ValidationReasonLookRange
	}
	return ValidationReasonNone
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (v *Validator) registerViolationLocked(peerID string, state *validatorPeerState, now time.Time, reason ValidationReason) ValidationDecision {
	counters := v.metrics[peerID]
	if counters.Violations == nil {
		counters.Violations = make(map[ValidationReason]uint64)
	}
	counters.Violations[reason]++

	decision := ValidationDecision{Reason: reason}
	if state.invalidCount == 0 || now.Sub(state.firstInvalid) > v.cfg.InvalidBurstWindow {
		state.firstInvalid = now
		state.invalidCount = 1
	} else {
		state.invalidCount++
	}
	decision.Warn = v.cfg.InvalidBurstLimit-state.invalidCount == 1

	//2.- A full burst inside the window earns a cooldown; repeated cooldowns disconnect.
	if state.invalidCount >= v.cfg.InvalidBurstLimit {
		state.cooldownUntil = now.Add(v.cfg.CooldownDuration)
		state.invalidCount = 0
		state.firstInvalid = time.Time{}
		state.strikes++
		counters.Cooldowns++
		if state.strikes >= v.cfg.MaxCooldownStrikes {
			decision.Disconnect = true
			counters.Disconnects++
		}
		decision.Cooldown = v.cfg.CooldownDuration
		if v.logger != nil {
			v.logger.Debug("command validator cooldown",
				logging.String("peer_id", peerID),
				logging.String("reason", string(reason)),
				logging.Int64("cooldown_ms", v.cfg.CooldownDuration.Milliseconds()),
			)
		}
	}
	v.metrics[peerID] = counters
	return decision
}

// Forget clears all state for the specified peer.
func (v *Validator) Forget(peerID string) {
	if v == nil || peerID == "" {
		return
	}
	v.mu.Lock()
	delete(v.peers, peerID)
	delete(v.metrics, peerID)
	v.mu.Unlock()
}

// Metrics returns a snapshot of per-peer counters for diagnostics.
func (v *Validator) Metrics() map[string]ValidationCounters {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.metrics) == 0 {
		return nil
	}
	snapshot := make(map[string]ValidationCounters, len(v.metrics))
	for peerID, counters := range v.metrics {
		clone := ValidationCounters{Cooldowns: counters.Cooldowns, Disconnects: counters.Disconnects}
		if len(counters.Violations) > 0 {
			clone.Violations = make(map[ValidationReason]uint64, len(counters.Violations))
			for reason, count := range counters.Violations {
				clone.Violations[reason] = count
			}
		}
		snapshot[peerID] = clone
	}
	return snapshot
}
