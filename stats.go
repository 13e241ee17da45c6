package main

import (
	"encoding/json"
	"net/http"

	"driftpursuit/movesync/internal/world"
)

// statsSource yields the latest world summary.
type statsSource interface {
	Stats() world.Summary
}

// statsHandler serves the per-entity movement counters as JSON.
func statsHandler(source statsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(source.Stats())
	})
}
