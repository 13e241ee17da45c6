package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"google.golang.org/grpc"

	"driftpursuit/movesync/internal/auth"
	"driftpursuit/movesync/internal/config"
	movesyncgrpc "driftpursuit/movesync/internal/grpc"
	httpapi "driftpursuit/movesync/internal/http"
	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/movement"
	"driftpursuit/movesync/internal/networking"
	"driftpursuit/movesync/internal/replay"
	"driftpursuit/movesync/internal/session"
	"driftpursuit/movesync/internal/simulation"
	"driftpursuit/movesync/internal/wire"
	"driftpursuit/movesync/internal/world"
)

const (
	shutdownTimeout    = 5 * time.Second
	traceSweepInterval = 10 * time.Minute
	commandMaxSeqJump  = 1024
	sentryFlushTimeout = 2 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

// app owns every long-lived component of the service.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	world    *world.World
	server   *session.Server
	monitor  *simulation.TickMonitor
	loop     *simulation.Loop
	recorder *replay.Recorder
	cleaner  *replay.Cleaner
	handler  http.Handler
}

func tuningFromConfig(m config.MovementConfig) movement.Tuning {
	return movement.Tuning{
		Sensitivity:          m.Sensitivity,
		Deadzone:             m.Deadzone,
		WalkSpeedValue:       m.WalkSpeedValue,
		SprintSpeedValue:     m.SprintSpeedValue,
		DampTime:             m.DampTime,
		RootMotionMultiplier: m.RootMotionMultiplier,
	}
}

func policyFromConfig(m config.MovementConfig) movement.CorrectionPolicy {
	return movement.CorrectionPolicy{
		SnapshotRateHz:           m.SnapshotRateHz,
		HardSnapPositionError:    m.HardSnapPosition,
		HardSnapRotationErrorDeg: m.HardSnapRotationDeg,
		SoftCorrectionFactor:     m.SoftCorrection,
		CorrectRotation:          m.CorrectRotation,
	}
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	codec, err := wire.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, world: world.New(logger), monitor: simulation.NewTickMonitor()}

	var authenticator auth.RequestAuthenticator = auth.AllowAll{}
	if cfg.WSAuthSecret != "" {
		tokens, err := auth.NewTokenAuthenticator(cfg.WSAuthSecret)
		if err != nil {
			return nil, err
		}
		authenticator = tokens
	}

	var bandwidth *networking.BandwidthRegulator
	if cfg.BandwidthBytesPerSec > 0 {
		bandwidth = networking.NewBandwidthRegulator(cfg.BandwidthBytesPerSec, nil)
	}

	opts := session.Options{
		Codec:           codec,
		Tuning:          tuningFromConfig(cfg.Movement),
		Policy:          policyFromConfig(cfg.Movement),
		TickRateHz:      cfg.Movement.TickRateHz,
		MaxClients:      cfg.MaxClients,
		Gate:            input.NewGate(input.GateConfig{MaxSequenceJump: commandMaxSeqJump}, logger),
		Validator:       input.NewValidator(input.DefaultConstraints, logger),
		Bandwidth:       bandwidth,
		Metrics:         networking.NewSnapshotMetrics(),
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
		Authenticator:   authenticator,
		Logger:          logger,
	}

	if cfg.TraceDir != "" {
		meta := replay.Meta{
			Label:          "movesync",
			Codec:          codec.Name(),
			TickRateHz:     cfg.Movement.TickRateHz,
			SnapshotRateHz: cfg.Movement.SnapshotRateHz,
		}
		recorder, err := replay.NewRecorder(cfg.TraceDir, meta, time.Now, logger)
		if err != nil {
			return nil, fmt.Errorf("open movement trace: %w", err)
		}
		a.recorder = recorder
		opts.Trace = recorder
		a.cleaner = replay.NewCleaner(cfg.TraceDir, replay.RetentionPolicy{
			MaxBundles: cfg.TraceMaxBundles,
			MaxAge:     cfg.TraceMaxAge,
		}, recorder.ActiveDirectory, logger)
	}

	a.server = session.NewServer(a.world, opts)
	a.loop = simulation.NewLoop(cfg.Movement.TickRateHz, func(step time.Duration) {
		a.world.Step(step.Seconds())
	}, simulation.WithMonitor(a.monitor), simulation.WithLogger(logger))
	a.handler = a.routes(bandwidth, opts.Metrics)
	return a, nil
}

func (a *app) routes(bandwidth *networking.BandwidthRegulator, metrics *networking.SnapshotMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(sessionPath, a.server.ServeWS)
	mux.Handle(statsPath, statsHandler(a.world))

	opts := httpapi.Options{
		Logger:       a.logger,
		Readiness:    a.server,
		World:        a.world.Stats,
		Ticks:        a.monitor.Snapshot,
		CommandDrops: a.server.CommandDrops,
		Snapshots:    metrics,
		Bandwidth:    bandwidth,
		AdminToken:   a.cfg.AdminToken,
		RateLimiter:  httpapi.NewSlidingWindowLimiter(a.cfg.TraceRollWindow, a.cfg.TraceRollBurst, nil),
	}
	if a.recorder != nil {
		opts.Trace = httpapi.TraceRollerFunc(func(context.Context) (string, error) {
			return a.recorder.Roll()
		})
		opts.TraceStats = a.recorder.Stats
	}
	httpapi.NewHandlerSet(opts).Register(mux)
	return logging.HTTPTraceMiddleware(a.logger)(mux)
}

// close stops the simulation and flushes the trace.
func (a *app) close() {
	a.server.Close()
	a.loop.Stop()
	a.world.Close()
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.logger.Warn("closing movement trace failed", logging.Error(err))
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			logger.Warn("sentry disabled", logging.Error(err))
		} else {
			defer sentry.Flush(sentryFlushTimeout)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("movesync stopped", logging.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	a.loop.Start(ctx)
	if a.cleaner != nil {
		go a.cleaner.Run(ctx, traceSweepInterval)
	}

	errs := make(chan error, 2)
	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	httpServer := &http.Server{Addr: cfg.Address, Handler: a.handler, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		urls := advertisedEndpoints(cfg.Address, tlsEnabled)
		logger.Info("movesync listening", logging.String("session_url", urls.Session), logging.String("stats_url", urls.Stats))
		var err error
		if tlsEnabled {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddress != "" {
		serverOpts, err := movesyncgrpc.ServerOptions(cfg.GRPCSharedSecret, cfg.TLSCertPath, cfg.TLSKeyPath, logger)
		if err != nil {
			return err
		}
		lis, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = grpc.NewServer(serverOpts...)
		movesyncgrpc.Register(grpcServer, movesyncgrpc.NewService(a.server, logger))
		go func() {
			logger.Info("gRPC listening", logging.String("address", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil {
				errs <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.server.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return runErr
}
