package input

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// TickInput is the input snapshot consumed by one simulation tick.
type TickInput struct {
	Move   mgl64.Vec2
	Look   mgl64.Vec2
	Sprint bool
}

// Capture buffers device callbacks between ticks. Move and sprint are instantaneous and
// last-value-wins; look is a delta accumulated until the next drain.
type Capture struct {
	mu     sync.Mutex
	move   mgl64.Vec2
	look   mgl64.Vec2
	sprint bool
	events uint64
}

// NewCapture returns an empty capture buffer.
func NewCapture() *Capture {
	return &Capture{}
}

// RecordMove overwrites the current move vector.
func (c *Capture) RecordMove(v mgl64.Vec2) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.move = v
	c.events++
	c.mu.Unlock()
}

// RecordLook adds a rotation delta to the pending accumulator.
func (c *Capture) RecordLook(delta mgl64.Vec2) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.look = c.look.Add(delta)
	c.events++
	c.mu.Unlock()
}

// RecordSprint overwrites the sprint flag.
func (c *Capture) RecordSprint(held bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sprint = held
	c.events++
	c.mu.Unlock()
}

// DrainTickInput returns the buffered input and zeroes the look accumulator in the same
// critical section so a concurrent RecordLook lands in exactly one tick.
func (c *Capture) DrainTickInput() TickInput {
	if c == nil {
		return TickInput{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := TickInput{Move: c.move, Look: c.look, Sprint: c.sprint}
	c.look = mgl64.Vec2{}
	return out
}

// Events reports how many input callbacks were recorded.
func (c *Capture) Events() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}
