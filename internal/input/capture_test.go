package input

import (
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestCaptureAccumulatesLookUntilDrain(t *testing.T) {
	capture := NewCapture()

	//1.- Several sub-tick look events must sum component-wise.
	capture.RecordLook(mgl64.Vec2{1, 0.5})
	capture.RecordLook(mgl64.Vec2{2, -0.25})
	capture.RecordLook(mgl64.Vec2{-0.5, 1})

	first := capture.DrainTickInput()
	if first.Look != (mgl64.Vec2{2.5, 1.25}) {
		t.Fatalf("unexpected accumulated look %v", first.Look)
	}

	//2.- A second drain without new events must not replay the delta.
	second := capture.DrainTickInput()
	if second.Look != (mgl64.Vec2{}) {
		t.Fatalf("look accumulator not cleared: %v", second.Look)
	}
}

func TestCaptureMoveAndSprintAreLastValueWins(t *testing.T) {
	capture := NewCapture()
	capture.RecordMove(mgl64.Vec2{1, 0})
	capture.RecordMove(mgl64.Vec2{0, 1})
	capture.RecordSprint(true)
	capture.RecordSprint(false)
	capture.RecordSprint(true)

	in := capture.DrainTickInput()
	if in.Move != (mgl64.Vec2{0, 1}) || !in.Sprint {
		t.Fatalf("unexpected tick input %+v", in)
	}

	//1.- Instantaneous channels persist across drains.
	again := capture.DrainTickInput()
	if again.Move != (mgl64.Vec2{0, 1}) || !again.Sprint {
		t.Fatalf("instantaneous state lost after drain: %+v", again)
	}
	if capture.Events() != 5 {
		t.Fatalf("unexpected event count %d", capture.Events())
	}
}

func TestCaptureConcurrentLookIsNotLost(t *testing.T) {
	capture := NewCapture()
	const writers, perWriter = 8, 500

	stop := make(chan struct{})
	drained := make(chan mgl64.Vec2)

	//1.- Drain concurrently with the writers and sum every drained delta.
	go func() {
		var total mgl64.Vec2
		for {
			select {
			case <-stop:
				drained <- total.Add(capture.DrainTickInput().Look)
				return
			default:
				total = total.Add(capture.DrainTickInput().Look)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				capture.RecordLook(mgl64.Vec2{1, 0})
			}
		}()
	}
	wg.Wait()
	close(stop)

	total := <-drained
	if total.X() != writers*perWriter {
		t.Fatalf("expected %d look units, got %.0f", writers*perWriter, total.X())
	}
}

func TestNilCaptureIsInert(t *testing.T) {
	var capture *Capture
	capture.RecordMove(mgl64.Vec2{1, 1})
	if in := capture.DrainTickInput(); in != (TickInput{}) {
		t.Fatalf("nil capture returned %+v", in)
	}
}
