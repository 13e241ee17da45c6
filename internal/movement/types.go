package movement

import (
	"context"
	"errors"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// DefaultSnapshotInterval is used when the configured snapshot rate is not positive.
const DefaultSnapshotInterval = 50 * time.Millisecond

var (
	// ErrMissingBody reports an entity started without a physics body.
	ErrMissingBody = errors.New("movement: physics body is missing")
	// ErrMissingAnimator reports an entity started without an animator.
	ErrMissingAnimator = errors.New("movement: animator is missing")
	// ErrAlreadyStarted reports a second Start on the same controller.
	ErrAlreadyStarted = errors.New("movement: controller already started")
)

// Command is one tick of predictor input as seen by the authority.
type Command struct {
	Sequence uint64
	Move     mgl64.Vec2
	Look     mgl64.Vec2
	Sprint   bool
}

// State is the authoritative physics pose of an entity.
type State struct {
	Position       mgl64.Vec3
	Rotation       mgl64.Quat
	LinearVelocity mgl64.Vec3
}

// Snapshot publishes State at an authority tick. AckCommand is the newest command whose
// motion State already includes; a command taken on the same tick is not acked until the next.
type Snapshot struct {
	Sequence   uint64
	AckCommand uint64
	State      State
}

// RoleConfig carries the session flags supplied at spawn.
type RoleConfig struct {
	IsPredictor bool
	IsAuthority bool
}

// SimulatesLocally reports whether the entity integrates its own motion.
func (r RoleConfig) SimulatesLocally() bool { return r.IsPredictor || r.IsAuthority }

// CorrectionPolicy tunes snapshot cadence and predictor reconciliation.
type CorrectionPolicy struct {
	SnapshotRateHz           float64
	HardSnapPositionError    float64
	HardSnapRotationErrorDeg float64
	// SoftCorrectionFactor must be in (0, 1].
	SoftCorrectionFactor float64
	// CorrectRotation enables heading reconciliation. Off keeps the predictor's own yaw.
	CorrectRotation bool
}

// DefaultCorrectionPolicy mirrors the shipped configuration defaults.
func DefaultCorrectionPolicy() CorrectionPolicy {
	return CorrectionPolicy{
		SnapshotRateHz:           20,
		HardSnapPositionError:    1.0,
		HardSnapRotationErrorDeg: 30,
		SoftCorrectionFactor:     0.12,
	}
}

// SnapshotInterval converts the snapshot rate into seconds.
func (p CorrectionPolicy) SnapshotInterval() float64 {
	if p.SnapshotRateHz <= 0 {
		return DefaultSnapshotInterval.Seconds()
	}
	return 1 / p.SnapshotRateHz
}

// Tuning configures locomotion response.
type Tuning struct {
	Sensitivity          float64
	Deadzone             float64
	WalkSpeedValue       float64
	SprintSpeedValue     float64
	DampTime             float64
	RootMotionMultiplier float64
}

// DefaultTuning mirrors the shipped configuration defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Sensitivity:          5,
		Deadzone:             0.01,
		WalkSpeedValue:       1,
		SprintSpeedValue:     2,
		DampTime:             0.1,
		RootMotionMultiplier: 1,
	}
}

// CommandSender delivers a predictor command to the authority over an ordered channel.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd Command) error
}

// SnapshotSender unicasts an authoritative snapshot to the predicting peer.
type SnapshotSender interface {
	SendSnapshot(ctx context.Context, snap Snapshot) error
}

// CommandSenderFunc adapts a function into a CommandSender.
type CommandSenderFunc func(ctx context.Context, cmd Command) error

func (f CommandSenderFunc) SendCommand(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// SnapshotSenderFunc adapts a function into a SnapshotSender.
type SnapshotSenderFunc func(ctx context.Context, snap Snapshot) error

func (f SnapshotSenderFunc) SendSnapshot(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}
