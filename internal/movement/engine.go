package movement

import (
	"github.com/go-gl/mathgl/mgl64"

	"driftpursuit/movesync/internal/animation"
	"driftpursuit/movesync/internal/physics"
)

// Engine is the fixed-tick locomotion step shared by every role that simulates locally.
// It is not safe for concurrent use; only the tick goroutine touches it.
type Engine struct {
	body   physics.Body
	anim   animation.Animator
	tuning Tuning

	command     Command
	rootMotion  mgl64.Vec3
	applied     uint64
	speedTarget float64
}

// NewEngine wires the animator's root-motion callback into the engine accumulator.
func NewEngine(body physics.Body, anim animation.Animator, tuning Tuning) *Engine {
	e := &Engine{body: body, anim: anim, tuning: tuning}
	if anim != nil {
		anim.OnRootMotion(e.accumulate)
	}
	return e
}

// SetCommand replaces the command used by the next Step. Without a new command the previous
// one is reused verbatim, apart from its look delta which is consumed once.
func (e *Engine) SetCommand(cmd Command) {
	e.command = cmd
}

// Command returns the command the next Step will apply.
func (e *Engine) Command() Command { return e.command }

// AppliedSequence is the sequence of the last command a Step consumed.
func (e *Engine) AppliedSequence() uint64 { return e.applied }

// RootMotion exposes the pending displacement accumulator.
func (e *Engine) RootMotion() mgl64.Vec3 { return e.rootMotion }

// SpeedTarget is the locomotion speed target chosen by the last Step.
func (e *Engine) SpeedTarget() float64 { return e.speedTarget }

// ResetRootMotion discards displacement that has not been applied yet.
func (e *Engine) ResetRootMotion() { e.rootMotion = mgl64.Vec3{} }

func (e *Engine) accumulate(delta mgl64.Vec3) {
	//1.- Movement stays on the ground plane, so the vertical component never reaches the body.
	e.rootMotion = e.rootMotion.Add(physics.Planar(delta).Mul(e.multiplier()))
}

func (e *Engine) multiplier() float64 {
	if e.tuning.RootMotionMultiplier == 0 {
		return 1
	}
	return e.tuning.RootMotionMultiplier
}

// Step advances the entity by dt seconds.
func (e *Engine) Step(dt float64) {
	if e == nil || e.body == nil || e.anim == nil || dt <= 0 {
		return
	}

	//1.- Re-clamp the stored move vector; a remote command may not have been clamped.
	cmd := e.command
	cmd.Move = physics.ClampUnit(cmd.Move)
	e.command.Move = cmd.Move

	//2.- Yaw is applied incrementally from the horizontal look delta.
	if yaw := cmd.Look.X() * e.tuning.Sensitivity; yaw != 0 {
		e.body.MoveRotation(e.body.Rotation().Mul(physics.YawRotation(yaw)))
	}

	//3.- Drive the blend tree with damped parameters toward this tick's targets.
	e.speedTarget = SpeedTarget(cmd.Move, cmd.Sprint, e.tuning)
	e.anim.SetFloat(animation.ParamMoveX, cmd.Move.X(), e.tuning.DampTime, dt)
	e.anim.SetFloat(animation.ParamMoveY, cmd.Move.Y(), e.tuning.DampTime, dt)
	e.anim.SetFloat(animation.ParamSpeed, e.speedTarget, e.tuning.DampTime, dt)
	e.anim.SetBool(animation.ParamSprinting, cmd.Sprint && e.speedTarget > 0)

	//4.- Root motion arrives through the callback during Advance and is applied once afterwards.
	e.anim.Advance(dt)
	e.body.MovePosition(e.body.Position().Add(e.rootMotion))
	e.rootMotion = mgl64.Vec3{}

	e.command.Look = mgl64.Vec2{}
	e.applied = cmd.Sequence
}

// SpeedTarget maps a clamped move vector and sprint flag to the locomotion speed parameter.
func SpeedTarget(move mgl64.Vec2, sprint bool, tuning Tuning) float64 {
	if move.Len() < tuning.Deadzone {
		return 0
	}
	if sprint {
		return tuning.SprintSpeedValue
	}
	return tuning.WalkSpeedValue
}
