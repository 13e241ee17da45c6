package predictorbot

import (
	"github.com/go-gl/mathgl/mgl64"

	"driftpursuit/movesync/internal/input"
)

// Script walks a square: a straight leg, then an in-place turn, repeated. Every SprintEvery-th
// leg is sprinted.
type Script struct {
	LegTicks    int
	TurnTicks   int
	TurnDegrees float64
	SprintEvery int
	// Sensitivity converts look units into yaw degrees and must match the authority tuning.
	Sensitivity float64
}

// DefaultScript walks two second legs at 50Hz, turning 90 degrees over half a second and
// sprinting every third leg.
func DefaultScript() Script {
	return Script{LegTicks: 100, TurnTicks: 25, TurnDegrees: 90, SprintEvery: 3, Sensitivity: 5}
}

func (s Script) normalized() Script {
	def := DefaultScript()
	if s.LegTicks <= 0 {
		s.LegTicks = def.LegTicks
	}
	if s.TurnTicks <= 0 {
		s.TurnTicks = def.TurnTicks
	}
	if s.TurnDegrees == 0 {
		s.TurnDegrees = def.TurnDegrees
	}
	if s.Sensitivity <= 0 {
		s.Sensitivity = def.Sensitivity
	}
	return s
}

// At returns the input for tick, counting from zero.
func (s Script) At(tick uint64) input.TickInput {
	s = s.normalized()
	period := uint64(s.LegTicks + s.TurnTicks)
	leg := tick / period
	phase := tick % period
	if phase < uint64(s.LegTicks) {
		sprint := s.SprintEvery > 0 && (leg+1)%uint64(s.SprintEvery) == 0
		return input.TickInput{Move: mgl64.Vec2{0, 1}, Sprint: sprint}
	}
	perTick := s.TurnDegrees / float64(s.TurnTicks) / s.Sensitivity
	return input.TickInput{Look: mgl64.Vec2{perTick, 0}}
}

// Apply records the input for tick into capture the way a device callback would.
func (s Script) Apply(tick uint64, capture *input.Capture) {
	in := s.At(tick)
	capture.RecordMove(in.Move)
	capture.RecordSprint(in.Sprint)
	if in.Look != (mgl64.Vec2{}) {
		capture.RecordLook(in.Look)
	}
}
