package predictorbot

import (
	"context"
	"sort"
	"sync"
	"testing"

	"driftpursuit/movesync/internal/logging"
)

type fakeRunner struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeRunner) run(ctx context.Context, opts Options) (Report, error) {
	//1.- Record every launch and park until the fleet retires the member.
	f.mu.Lock()
	f.started = append(f.started, opts.EntityID)
	f.mu.Unlock()
	<-ctx.Done()
	return Report{EntityID: opts.EntityID}, ctx.Err()
}

func TestFleetScalesUpAndDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{}
	fleet := NewFleet(ctx, Options{EntityID: "walker", Logger: logging.NewTestLogger()})
	fleet.run = runner.run

	if size, err := fleet.Scale(ctx, 3); err != nil || size != 3 {
		t.Fatalf("scale up: size %d err %v", size, err)
	}
	if size, err := fleet.Scale(ctx, 1); err != nil || size != 1 {
		t.Fatalf("scale down: size %d err %v", size, err)
	}
	//2.- Retired members finish before Scale returns, newest first.
	fleet.mu.Lock()
	retired := make([]string, 0, len(fleet.results))
	for _, r := range fleet.results {
		retired = append(retired, r.Report.EntityID)
	}
	fleet.mu.Unlock()
	if len(retired) != 2 || retired[0] != "walker-3" || retired[1] != "walker-2" {
		t.Fatalf("unexpected retirement order %v", retired)
	}

	if size, _ := fleet.Scale(ctx, 2); size != 2 {
		t.Fatalf("expected regrow to 2, got %d", size)
	}
	cancel()
	results := fleet.Wait()
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != "" {
			t.Fatalf("cancellation should not be reported as failure: %+v", r)
		}
	}

	runner.mu.Lock()
	started := append([]string(nil), runner.started...)
	runner.mu.Unlock()
	sort.Strings(started)
	want := []string{"walker-1", "walker-2", "walker-3", "walker-4"}
	for i := range want {
		if started[i] != want[i] {
			t.Fatalf("unexpected launches %v", started)
		}
	}
}

func TestFleetRejectsNegativePopulation(t *testing.T) {
	fleet := NewFleet(context.Background(), Options{})
	if _, err := fleet.Scale(context.Background(), -1); err == nil {
		t.Fatalf("expected error for negative population")
	}
	var nilFleet *Fleet
	if _, err := nilFleet.Scale(context.Background(), 1); err == nil {
		t.Fatalf("expected error for nil fleet")
	}
}
