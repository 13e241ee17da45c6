package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	traceplayer "driftpursuit/movesync/tools/trace_player"
)

func main() {
	path := flag.String("path", "", "Path to a trace bundle directory or its manifest.json")
	list := flag.String("list", "", "List every bundle below this directory instead of decoding one")
	flag.Parse()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *list != "" {
		bundles, err := traceplayer.List(*list)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		if err := enc.Encode(bundles); err != nil {
			fmt.Fprintln(os.Stderr, "encode error:", err)
			os.Exit(3)
		}
		return
	}

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path or list flag is required")
		os.Exit(1)
	}
	report, err := traceplayer.Decode(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	//1.- Render the decoded bundle as JSON so callers can pipe the output elsewhere.
	if err := enc.Encode(report); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
