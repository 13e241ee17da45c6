package movement

import (
	"context"

	"driftpursuit/movesync/internal/input"
)

// Role is the execution mode assigned to an entity once at network start.
type Role int32

const (
	RoleUninitialized Role = iota
	// RolePredictor runs on the controlling peer that is not the authority.
	RolePredictor
	// RoleAuthority runs on the process owning the canonical state of a remote peer's entity.
	RoleAuthority
	// RoleHost is a peer that both controls and owns its entity.
	RoleHost
	// RoleObserver neither controls nor owns the entity; its body is driven externally.
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RolePredictor:
		return "predictor"
	case RoleAuthority:
		return "authority"
	case RoleHost:
		return "host"
	case RoleObserver:
		return "observer"
	default:
		return "uninitialized"
	}
}

// ResolveRole maps session flags onto a role.
func ResolveRole(cfg RoleConfig) Role {
	switch {
	case cfg.IsPredictor && cfg.IsAuthority:
		return RoleHost
	case cfg.IsPredictor:
		return RolePredictor
	case cfg.IsAuthority:
		return RoleAuthority
	default:
		return RoleObserver
	}
}

// strategy is the per-role tick body. Exactly one is bound at Start.
type strategy interface {
	tick(ctx context.Context, dt float64)
}

// predictorStrategy reconciles, samples input, sends it and predicts locally.
type predictorStrategy struct {
	c         *Controller
	capture   *input.Capture
	channel   *Channel
	corrector *Corrector
}

func (s *predictorStrategy) tick(ctx context.Context, dt float64) {
	c := s.c
	//1.- Reconcile against the newest snapshot before predicting further.
	if snap, ok := c.snapshots.Take(); ok {
		correction := s.corrector.Apply(c.body, c.engine, snap)
		c.observeCorrection(correction)
	}

	//2.- Sample this tick's input exactly once, ship it and feed the same command to prediction.
	cmd := s.channel.Dispatch(ctx, s.capture.DrainTickInput())
	c.engine.SetCommand(cmd)
	c.engine.Step(dt)
}

// authorityStrategy applies the latest peer command and paces snapshots back.
type authorityStrategy struct {
	c           *Controller
	broadcaster *Broadcaster
}

func (s *authorityStrategy) tick(ctx context.Context, dt float64) {
	c := s.c
	// The body integrates after every controller has ticked, so the state a snapshot
	// carries this tick reflects the command applied on the previous one.
	integrated := c.engine.AppliedSequence()
	if cmd, ok := c.commands.Take(); ok {
		c.engine.SetCommand(cmd)
	}
	c.engine.Step(dt)
	s.broadcaster.Advance(ctx, dt, func() Snapshot {
		snap := c.snapshot()
		snap.AckCommand = integrated
		return snap
	})
}

// hostStrategy loops input straight into its own engine and never touches the network.
type hostStrategy struct {
	c       *Controller
	capture *input.Capture
	channel *Channel
}

func (s *hostStrategy) tick(ctx context.Context, dt float64) {
	s.channel.Dispatch(ctx, s.capture.DrainTickInput())
	s.c.engine.Step(dt)
}

// observerStrategy does no per-tick work.
type observerStrategy struct{}

func (observerStrategy) tick(context.Context, float64) {}
