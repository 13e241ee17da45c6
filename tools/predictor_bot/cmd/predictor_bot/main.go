package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftpursuit/movesync/internal/config"
	"driftpursuit/movesync/internal/logging"
	predictorbot "driftpursuit/movesync/tools/predictor_bot"
)

func main() {
	target := flag.String("url", "ws://localhost:43127/ws", "Websocket URL, or host:port for gRPC")
	transport := flag.String("transport", predictorbot.TransportWebSocket, "Transport to use: ws or grpc")
	codec := flag.String("codec", "proto", "Wire codec: proto or msgpack")
	wsSecret := flag.String("ws-secret", "", "HMAC secret used to sign websocket tokens")
	grpcSecret := flag.String("grpc-secret", "", "Shared secret sent with gRPC sessions")
	compress := flag.Bool("compress", false, "Enable zstd compression on gRPC")
	entity := flag.String("entity", "bot", "Entity id, or the name prefix when count is above one")
	count := flag.Int("count", 1, "Number of bots to run")
	duration := flag.Duration("duration", 30*time.Second, "How long each bot walks; zero runs until interrupted")
	logPath := flag.String("log", "predictor_bot.log", "Log file path")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(config.LoggingConfig{Level: *logLevel, Path: *logPath, MaxSizeMB: 10, MaxBackups: 1})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := predictorbot.Options{
		URL:        *target,
		Transport:  *transport,
		Codec:      *codec,
		WSSecret:   *wsSecret,
		GRPCSecret: *grpcSecret,
		Compress:   *compress,
		EntityID:   *entity,
		Duration:   *duration,
		Script:     predictorbot.DefaultScript(),
		Logger:     logger,
	}

	var out any
	if *count <= 1 {
		report, err := predictorbot.Run(ctx, opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		out = report
	} else {
		//1.- Members are named entity-1..entity-N and finish on their own when duration elapses.
		fleet := predictorbot.NewFleet(ctx, opts)
		if _, err := fleet.Scale(ctx, *count); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		out = fleet.Wait()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
