package physics

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Body is the physics handle a movement controller drives. Implementations belong to the
// physics substrate; MovePosition and MoveRotation request integrated motion for the next
// physics step while the Set* methods teleport immediately.
type Body interface {
	Position() mgl64.Vec3
	SetPosition(mgl64.Vec3)
	Rotation() mgl64.Quat
	SetRotation(mgl64.Quat)
	LinearVelocity() mgl64.Vec3
	SetLinearVelocity(mgl64.Vec3)
	Kinematic() bool
	SetKinematic(bool)
	MovePosition(mgl64.Vec3)
	MoveRotation(mgl64.Quat)
}

// RigidBody is a minimal single-body integrator used by the authority and by headless
// predictors that have no engine-provided physics.
type RigidBody struct {
	mu         sync.RWMutex
	position   mgl64.Vec3
	rotation   mgl64.Quat
	velocity   mgl64.Vec3
	kinematic  bool
	pendingPos *mgl64.Vec3
	pendingRot *mgl64.Quat
}

// NewRigidBody constructs a dynamic body at the supplied pose.
func NewRigidBody(position mgl64.Vec3, rotation mgl64.Quat) *RigidBody {
	if rotation.Len() == 0 {
		rotation = mgl64.QuatIdent()
	}
	return &RigidBody{position: position, rotation: rotation.Normalize()}
}

func (b *RigidBody) Position() mgl64.Vec3 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.position
}

func (b *RigidBody) SetPosition(p mgl64.Vec3) {
	b.mu.Lock()
	b.position = p
	b.pendingPos = nil
	b.mu.Unlock()
}

func (b *RigidBody) Rotation() mgl64.Quat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rotation
}

func (b *RigidBody) SetRotation(q mgl64.Quat) {
	b.mu.Lock()
	b.rotation = q.Normalize()
	b.pendingRot = nil
	b.mu.Unlock()
}

func (b *RigidBody) LinearVelocity() mgl64.Vec3 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.velocity
}

func (b *RigidBody) SetLinearVelocity(v mgl64.Vec3) {
	b.mu.Lock()
	b.velocity = v
	b.mu.Unlock()
}

func (b *RigidBody) Kinematic() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.kinematic
}

func (b *RigidBody) SetKinematic(kinematic bool) {
	b.mu.Lock()
	b.kinematic = kinematic
	b.mu.Unlock()
}

// MovePosition schedules a swept move to p for the next Step.
func (b *RigidBody) MovePosition(p mgl64.Vec3) {
	b.mu.Lock()
	b.pendingPos = &p
	b.mu.Unlock()
}

// MoveRotation schedules an orientation change for the next Step.
func (b *RigidBody) MoveRotation(q mgl64.Quat) {
	q = q.Normalize()
	b.mu.Lock()
	b.pendingRot = &q
	b.mu.Unlock()
}

// Step advances the body by dt seconds.
func (b *RigidBody) Step(dt float64) {
	if b == nil || dt <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	//1.- Resolve a scheduled move first and derive the velocity it implies.
	if b.pendingPos != nil {
		target := *b.pendingPos
		b.velocity = target.Sub(b.position).Mul(1 / dt)
		b.position = target
		b.pendingPos = nil
	} else if !b.kinematic {
		//2.- Free dynamic bodies keep coasting on their current velocity.
		b.position = b.position.Add(b.velocity.Mul(dt))
	}

	if b.pendingRot != nil {
		b.rotation = *b.pendingRot
		b.pendingRot = nil
	}
}
