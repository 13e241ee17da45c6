package movement

import (
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"

	"driftpursuit/movesync/internal/physics"
)

// CorrectionKind classifies how a snapshot was reconciled.
type CorrectionKind int

const (
	CorrectionNone CorrectionKind = iota
	CorrectionSoft
	CorrectionHard
	CorrectionStale
)

func (k CorrectionKind) String() string {
	switch k {
	case CorrectionSoft:
		return "soft"
	case CorrectionHard:
		return "hard"
	case CorrectionStale:
		return "stale"
	default:
		return "none"
	}
}

// Correction describes one reconciliation against an authoritative snapshot.
type Correction struct {
	Kind             CorrectionKind
	Sequence         uint64
	AckCommand       uint64
	PositionError    float64
	RotationErrorDeg float64
}

// Corrector pulls a predicted body toward authoritative snapshots.
type Corrector struct {
	policy  CorrectionPolicy
	lastSeq uint64

	soft  atomic.Uint64
	hard  atomic.Uint64
	stale atomic.Uint64
}

// NewCorrector builds a corrector for the policy. A factor outside (0, 1] falls back to
// the default so a misconfigured entity still converges.
func NewCorrector(policy CorrectionPolicy) *Corrector {
	if !(policy.SoftCorrectionFactor > 0) || policy.SoftCorrectionFactor > 1 {
		policy.SoftCorrectionFactor = DefaultCorrectionPolicy().SoftCorrectionFactor
	}
	return &Corrector{policy: policy}
}

// Apply reconciles body against snap. engine may be nil; when present its pending root
// motion is discarded on a hard snap.
func (c *Corrector) Apply(body physics.Body, engine *Engine, snap Snapshot) Correction {
	result := Correction{Sequence: snap.Sequence, AckCommand: snap.AckCommand}
	if body == nil {
		return result
	}

	//1.- Sequenced snapshots that are not newer than the last applied one are discarded.
	if snap.Sequence != 0 && snap.Sequence <= c.lastSeq {
		c.stale.Add(1)
		result.Kind = CorrectionStale
		return result
	}
	if snap.Sequence != 0 {
		c.lastSeq = snap.Sequence
	}

	pos := body.Position()
	rot := body.Rotation()
	target := snap.State
	if target.Rotation.Len() == 0 {
		target.Rotation = rot
	}
	result.PositionError = target.Position.Sub(pos).Len()
	result.RotationErrorDeg = physics.AngleBetweenDeg(rot, target.Rotation)

	//2.- Large position error: adopt the authoritative state wholesale.
	if result.PositionError >= c.policy.HardSnapPositionError {
		body.SetPosition(target.Position)
		body.SetRotation(target.Rotation)
		body.SetLinearVelocity(target.LinearVelocity)
		if engine != nil {
			engine.ResetRootMotion()
		}
		c.hard.Add(1)
		result.Kind = CorrectionHard
		return result
	}

	//3.- Otherwise blend position by the factor and velocity by half of it.
	f := c.policy.SoftCorrectionFactor
	body.SetPosition(pos.Add(target.Position.Sub(pos).Mul(f)))
	vel := body.LinearVelocity()
	body.SetLinearVelocity(vel.Add(target.LinearVelocity.Sub(vel).Mul(f / 2)))

	if c.policy.CorrectRotation {
		if result.RotationErrorDeg >= c.policy.HardSnapRotationErrorDeg {
			body.SetRotation(target.Rotation)
		} else if result.RotationErrorDeg > 0 {
			body.SetRotation(mgl64.QuatSlerp(rot, target.Rotation, f))
		}
	}
	c.soft.Add(1)
	result.Kind = CorrectionSoft
	return result
}

// LastSequence is the newest snapshot sequence applied.
func (c *Corrector) LastSequence() uint64 { return c.lastSeq }

// Counts returns the soft, hard and stale totals.
func (c *Corrector) Counts() (soft, hard, stale uint64) {
	return c.soft.Load(), c.hard.Load(), c.stale.Load()
}
