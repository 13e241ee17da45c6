package movement

import (
	"context"
	"errors"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// scriptedAnimator records parameters and emits a fixed root-motion delta per callback.
type scriptedAnimator struct {
	floats    map[string]float64
	bools     map[string]bool
	applyRoot bool
	callback  func(mgl64.Vec3)
	emit      mgl64.Vec3
	emitCount int
	advances  int
	inAdvance func()
}

func newScriptedAnimator(emit mgl64.Vec3, perAdvance int) *scriptedAnimator {
	return &scriptedAnimator{
		floats:    make(map[string]float64),
		bools:     make(map[string]bool),
		emit:      emit,
		emitCount: perAdvance,
	}
}

func (a *scriptedAnimator) SetFloat(name string, value, dampTime, dt float64) {
	a.floats[name] = value
}

func (a *scriptedAnimator) SetBool(name string, value bool) { a.bools[name] = value }

func (a *scriptedAnimator) SetApplyRootMotion(enabled bool) { a.applyRoot = enabled }

func (a *scriptedAnimator) OnRootMotion(fn func(mgl64.Vec3)) { a.callback = fn }

func (a *scriptedAnimator) Advance(dt float64) {
	a.advances++
	if !a.applyRoot || a.callback == nil {
		return
	}
	for i := 0; i < a.emitCount; i++ {
		a.callback(a.emit)
	}
	if a.inAdvance != nil {
		a.inAdvance()
	}
}

// recordingSender counts every send path invocation.
type recordingSender struct {
	mu        sync.Mutex
	commands  []Command
	snapshots []Snapshot
	fail      bool
}

var errSendRejected = errors.New("send rejected")

func (r *recordingSender) SendCommand(_ context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	if r.fail {
		return errSendRejected
	}
	return nil
}

func (r *recordingSender) SendSnapshot(_ context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
	if r.fail {
		return errSendRejected
	}
	return nil
}

func (r *recordingSender) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands), len(r.snapshots)
}
