package animation

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Parameter names the movement engine drives on every animator.
const (
	ParamMoveX     = "MoveX"
	ParamMoveY     = "MoveY"
	ParamSpeed     = "Speed"
	ParamSprinting = "Sprinting"
)

// Animator is the animation substrate contract. Root motion is reported through the callback
// registered with OnRootMotion while Advance runs; implementations must not move the body.
type Animator interface {
	SetFloat(name string, value, dampTime, dt float64)
	SetBool(name string, value bool)
	SetApplyRootMotion(enabled bool)
	OnRootMotion(fn func(delta mgl64.Vec3))
	Advance(dt float64)
}

// Frame supplies the orientation root motion is expressed in.
type Frame interface {
	Rotation() mgl64.Quat
}

// Clip maps a Speed parameter value to the ground speed of the locomotion clip authored for it.
type Clip struct {
	Speed     float64
	MetersSec float64
}

// DefaultClips is the idle, walk and sprint blend used by the reference rig.
var DefaultClips = []Clip{
	{Speed: 0, MetersSec: 0},
	{Speed: 1, MetersSec: 2.5},
	{Speed: 2, MetersSec: 5.0},
}

// Damp moves current toward target with an exponential response of the given time constant.
func Damp(current, target, dampTime, dt float64) float64 {
	if dampTime <= 0 {
		return target
	}
	if dt <= 0 {
		return current
	}
	return current + (target-current)*(1-math.Exp(-dt/dampTime))
}

// Locomotion is a reference two-axis blend tree. It extracts planar root motion from the
// current MoveX/MoveY direction and the ground speed of the clip selected by Speed.
type Locomotion struct {
	mu        sync.Mutex
	frame     Frame
	clips     []Clip
	floats    map[string]float64
	bools     map[string]bool
	applyRoot bool
	onRoot    func(mgl64.Vec3)
}

// NewLocomotion builds a blend driven in the yaw frame of the supplied body. Nil clips fall
// back to DefaultClips.
func NewLocomotion(frame Frame, clips []Clip) *Locomotion {
	if len(clips) == 0 {
		clips = DefaultClips
	}
	return &Locomotion{
		frame:  frame,
		clips:  append([]Clip(nil), clips...),
		floats: make(map[string]float64),
		bools:  make(map[string]bool),
	}
}

// SetFloat damps the named parameter toward value.
func (l *Locomotion) SetFloat(name string, value, dampTime, dt float64) {
	l.mu.Lock()
	l.floats[name] = Damp(l.floats[name], value, dampTime, dt)
	l.mu.Unlock()
}

// Float reports the current value of a float parameter.
func (l *Locomotion) Float(name string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floats[name]
}

func (l *Locomotion) SetBool(name string, value bool) {
	l.mu.Lock()
	l.bools[name] = value
	l.mu.Unlock()
}

// Bool reports the current value of a bool parameter.
func (l *Locomotion) Bool(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bools[name]
}

func (l *Locomotion) SetApplyRootMotion(enabled bool) {
	l.mu.Lock()
	l.applyRoot = enabled
	l.mu.Unlock()
}

// ApplyRootMotion reports whether root motion is forwarded to the callback.
func (l *Locomotion) ApplyRootMotion() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyRoot
}

func (l *Locomotion) OnRootMotion(fn func(mgl64.Vec3)) {
	l.mu.Lock()
	l.onRoot = fn
	l.mu.Unlock()
}

// Advance evaluates the blend for dt seconds and reports the resulting displacement.
func (l *Locomotion) Advance(dt float64) {
	if dt <= 0 {
		return
	}
	l.mu.Lock()
	apply, cb := l.applyRoot, l.onRoot
	direction := mgl64.Vec3{l.floats[ParamMoveX], 0, l.floats[ParamMoveY]}
	speed := l.clipSpeed(l.floats[ParamSpeed])
	l.mu.Unlock()

	if !apply || cb == nil {
		return
	}

	//1.- Blend direction follows the damped move axes; an idle blend emits nothing.
	length := direction.Len()
	if length < 1e-9 || speed == 0 {
		return
	}
	if length > 1 {
		direction = direction.Mul(1 / length)
	}

	//2.- Express the local clip motion in world space using the body's current heading.
	world := direction.Mul(speed * dt)
	if l.frame != nil {
		world = l.frame.Rotation().Rotate(world)
	}
	cb(world)
}

// clipSpeed interpolates the ground speed between the two clips bracketing the Speed value.
func (l *Locomotion) clipSpeed(value float64) float64 {
	clips := l.clips
	if value <= clips[0].Speed {
		return clips[0].MetersSec
	}
	for i := 1; i < len(clips); i++ {
		lo, hi := clips[i-1], clips[i]
		if value <= hi.Speed {
			span := hi.Speed - lo.Speed
			if span <= 0 {
				return hi.MetersSec
			}
			t := (value - lo.Speed) / span
			return lo.MetersSec + (hi.MetersSec-lo.MetersSec)*t
		}
	}
	return clips[len(clips)-1].MetersSec
}
