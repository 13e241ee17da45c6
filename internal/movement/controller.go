package movement

import (
	"context"
	"sync"
	"sync/atomic"

	"driftpursuit/movesync/internal/animation"
	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/physics"
)

// Links carries the collaborators a role may need. Roles ignore the links they do not use,
// so a host never touches Commands or Snapshots.
type Links struct {
	Commands  CommandSender
	Snapshots SnapshotSender
	// Capture is the input buffer for predictor and host roles. A fresh one is created when nil.
	Capture *input.Capture
	// OnCorrection observes every reconciliation on the predictor.
	OnCorrection func(Correction)
}

// Stats summarises per-entity counters.
type Stats struct {
	Role              Role   `json:"role"`
	Ticks             uint64 `json:"ticks"`
	CommandsSent      uint64 `json:"commands_sent"`
	CommandsReceived  uint64 `json:"commands_received"`
	SnapshotsSent     uint64 `json:"snapshots_sent"`
	SnapshotsReceived uint64 `json:"snapshots_received"`
	SendFailures      uint64 `json:"send_failures"`
	SoftCorrections   uint64 `json:"soft_corrections"`
	HardCorrections   uint64 `json:"hard_corrections"`
	StaleSnapshots    uint64 `json:"stale_snapshots"`
}

// Controller is the per-entity movement surface used by the session layer. Start binds a
// role, Tick runs on the simulation goroutine, and the Receive methods may be called from any
// goroutine because they only fill single-slot mailboxes.
type Controller struct {
	id     string
	body   physics.Body
	anim   animation.Animator
	tuning Tuning
	policy CorrectionPolicy
	logger *logging.Logger

	startMu  sync.Mutex
	started  bool
	role     atomic.Int32
	disabled atomic.Bool
	stopped  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	engine      *Engine
	strategy    strategy
	capture     *input.Capture
	channel     *Channel
	broadcaster *Broadcaster
	corrector   *Corrector
	onCorrect   func(Correction)

	commands  slot[Command]
	// snapshots keeps only the latest arrival: several landing between ticks collapse
	// into one correction on the next tick.
	snapshots slot[Snapshot]

	ticks         atomic.Uint64
	received      atomic.Uint64
	snapsReceived atomic.Uint64
}

// NewController constructs an unstarted controller. Nil handles are reported by Start.
func NewController(id string, body physics.Body, anim animation.Animator, tuning Tuning, policy CorrectionPolicy, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:     id,
		body:   body,
		anim:   anim,
		tuning: tuning,
		policy: policy,
		logger: logger.With(logging.String("entity_id", id)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the entity identifier.
func (c *Controller) ID() string { return c.id }

// Body returns the physics handle the controller drives.
func (c *Controller) Body() physics.Body { return c.body }

// Role returns the role bound at Start.
func (c *Controller) Role() Role { return Role(c.role.Load()) }

// Disabled reports whether a missing handle turned the entity off.
func (c *Controller) Disabled() bool { return c.disabled.Load() }

// Capture returns the input buffer of a predictor or host, or nil for other roles.
func (c *Controller) Capture() *input.Capture { return c.capture }

// Engine exposes the locomotion step for inspection; nil when the role does not simulate.
func (c *Controller) Engine() *Engine { return c.engine }

// Start resolves the role and binds the matching strategy. It may be called once.
func (c *Controller) Start(cfg RoleConfig, links Links) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	role := ResolveRole(cfg)
	c.role.Store(int32(role))
	log := c.logger.With(logging.String("role", role.String()))

	//1.- Missing handles turn the entity off without taking the process down.
	if c.body == nil {
		c.disabled.Store(true)
		log.Error("movement entity disabled", logging.Error(ErrMissingBody))
		return ErrMissingBody
	}
	if c.anim == nil {
		c.disabled.Store(true)
		log.Error("movement entity disabled", logging.Error(ErrMissingAnimator))
		return ErrMissingAnimator
	}

	//2.- Only simulating roles integrate the body and consume root motion.
	simulates := cfg.SimulatesLocally()
	c.body.SetKinematic(!simulates)
	c.anim.SetApplyRootMotion(simulates)
	if simulates {
		c.engine = NewEngine(c.body, c.anim, c.tuning)
	}

	capture := links.Capture
	if capture == nil && (role == RolePredictor || role == RoleHost) {
		capture = input.NewCapture()
	}

	//3.- Bind exactly one strategy so the tick never branches on role flags.
	switch role {
	case RolePredictor:
		c.capture = capture
		c.channel = NewNetworkChannel(links.Commands, log)
		c.corrector = NewCorrector(c.policy)
		c.onCorrect = links.OnCorrection
		c.strategy = &predictorStrategy{c: c, capture: capture, channel: c.channel, corrector: c.corrector}
	case RoleAuthority:
		c.broadcaster = NewBroadcaster(links.Snapshots, c.policy, log)
		c.strategy = &authorityStrategy{c: c, broadcaster: c.broadcaster}
	case RoleHost:
		c.capture = capture
		c.channel = NewLoopbackChannel(c.engine)
		c.strategy = &hostStrategy{c: c, capture: capture, channel: c.channel}
	default:
		c.strategy = observerStrategy{}
	}
	log.Info("movement entity started", logging.Bool("simulates_locally", simulates))
	return nil
}

// Stop tears the entity down. Later ticks, commands and snapshots are ignored.
func (c *Controller) Stop() {
	if c.stopped.Swap(true) {
		return
	}
	c.cancel()
	c.logger.Info("movement entity stopped", logging.String("role", c.Role().String()))
}

// Stopped reports whether Stop has been called.
func (c *Controller) Stopped() bool { return c.stopped.Load() }

func (c *Controller) active() bool {
	return c.strategy != nil && !c.disabled.Load() && !c.stopped.Load()
}

// Tick runs one fixed step for the bound role.
func (c *Controller) Tick(dt float64) {
	c.startMu.Lock()
	ready := c.active()
	c.startMu.Unlock()
	if !ready {
		return
	}
	c.ticks.Add(1)
	c.strategy.tick(c.ctx, dt)
}

// ReceiveCommand stores the newest command for the authority. It reports whether the
// command was accepted into the slot.
func (c *Controller) ReceiveCommand(cmd Command) bool {
	if c.Role() != RoleAuthority || c.stopped.Load() || c.disabled.Load() {
		return false
	}
	c.commands.Store(cmd)
	c.received.Add(1)
	return true
}

// ReceiveSnapshot stores the newest snapshot for the predictor.
func (c *Controller) ReceiveSnapshot(snap Snapshot) bool {
	if c.Role() != RolePredictor || c.stopped.Load() || c.disabled.Load() {
		return false
	}
	c.snapshots.Store(snap)
	c.snapsReceived.Add(1)
	return true
}

// State reads the current pose of the body.
func (c *Controller) State() State {
	if c.body == nil {
		return State{}
	}
	return State{
		Position:       c.body.Position(),
		Rotation:       c.body.Rotation(),
		LinearVelocity: c.body.LinearVelocity(),
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{Sequence: c.ticks.Load(), State: c.State()}
	if c.engine != nil {
		snap.AckCommand = c.engine.AppliedSequence()
	}
	return snap
}

func (c *Controller) observeCorrection(correction Correction) {
	switch correction.Kind {
	case CorrectionHard:
		c.logger.Debug("hard snap applied",
			logging.Uint64("sequence", correction.Sequence),
			logging.Float64("position_error", correction.PositionError),
		)
	case CorrectionStale:
		c.logger.Debug("stale snapshot discarded", logging.Uint64("sequence", correction.Sequence))
	}
	if c.onCorrect != nil {
		c.onCorrect(correction)
	}
}

// Stats returns a consistent-enough view of the entity counters.
func (c *Controller) Stats() Stats {
	stats := Stats{
		Role:              c.Role(),
		Ticks:             c.ticks.Load(),
		CommandsReceived:  c.received.Load(),
		SnapshotsReceived: c.snapsReceived.Load(),
	}
	c.startMu.Lock()
	channel, broadcaster, corrector := c.channel, c.broadcaster, c.corrector
	c.startMu.Unlock()
	if channel != nil {
		stats.CommandsSent = channel.Sent()
		stats.SendFailures += channel.Failed()
	}
	if broadcaster != nil {
		stats.SnapshotsSent = broadcaster.Sent()
		stats.SendFailures += broadcaster.Failed()
	}
	if corrector != nil {
		stats.SoftCorrections, stats.HardCorrections, stats.StaleSnapshots = corrector.Counts()
	}
	return stats
}
