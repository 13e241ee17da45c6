// Package predictorbot drives headless predictors against a movement server.
package predictorbot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"driftpursuit/movesync/internal/auth"
	movesyncgrpc "driftpursuit/movesync/internal/grpc"
	"driftpursuit/movesync/internal/input"
	"driftpursuit/movesync/internal/logging"
	"driftpursuit/movesync/internal/movement"
	"driftpursuit/movesync/internal/session"
	"driftpursuit/movesync/internal/simulation"
	"driftpursuit/movesync/internal/wire"
)

const (
	TransportWebSocket = "ws"
	TransportGRPC      = "grpc"

	tokenTTL = time.Hour
)

// Options configures one bot.
type Options struct {
	// URL is a ws:// or wss:// endpoint for websocket, or host:port for gRPC.
	URL        string
	Transport  string
	Codec      string
	WSSecret   string
	GRPCSecret string
	Compress   bool
	// EntityID is requested over gRPC and used as the token subject over websocket.
	EntityID string
	// Duration bounds the walk. Zero walks until ctx ends.
	Duration time.Duration
	Script   Script
	Logger   *logging.Logger
}

// Report summarises one bot run.
type Report struct {
	EntityID      string         `json:"entity_id"`
	Ticks         uint64         `json:"ticks"`
	Stats         movement.Stats `json:"stats"`
	MaxError      float64        `json:"max_position_error"`
	FinalPosition mgl64.Vec3     `json:"final_position"`
}

func dial(ctx context.Context, opts Options) (session.Conn, error) {
	switch opts.Transport {
	case "", TransportWebSocket:
		target, err := url.Parse(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		if opts.WSSecret != "" {
			token, err := issueToken(opts.WSSecret, opts.EntityID)
			if err != nil {
				return nil, err
			}
			query := target.Query()
			query.Set("auth_token", token)
			target.RawQuery = query.Encode()
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial websocket: %w", err)
		}
		return session.NewWebSocketConn(conn, session.WebSocketOptions{}), nil
	case TransportGRPC:
		dialOpts := []movesyncgrpc.DialOption{movesyncgrpc.WithEntityID(opts.EntityID)}
		if opts.GRPCSecret != "" {
			dialOpts = append(dialOpts, movesyncgrpc.WithSharedSecret(opts.GRPCSecret))
		}
		if opts.Compress {
			dialOpts = append(dialOpts, movesyncgrpc.WithCompression())
		}
		conn, err := movesyncgrpc.Dial(ctx, strings.TrimPrefix(opts.URL, "grpc://"), dialOpts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Transport)
	}
}

func issueToken(secret, subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("entity id is required to sign a websocket token")
	}
	verifier, err := auth.NewHMACTokenVerifier(secret, 0)
	if err != nil {
		return "", err
	}
	return verifier.Issue(subject, tokenTTL)
}

// Run connects, walks the script until the duration elapses, ctx ends or the server drops the
// session, and reports what the predictor saw.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	codec, err := wire.ByName(opts.Codec)
	if err != nil {
		return Report{}, err
	}
	conn, err := dial(ctx, opts)
	if err != nil {
		return Report{}, err
	}

	var (
		errMu    sync.Mutex
		maxError float64
	)
	capture := input.NewCapture()
	client, err := session.NewClient(ctx, conn, session.ClientOptions{
		Codec:   codec,
		Logger:  opts.Logger,
		Capture: capture,
		OnCorrection: func(c movement.Correction) {
			errMu.Lock()
			maxError = math.Max(maxError, c.PositionError)
			errMu.Unlock()
		},
	})
	if err != nil {
		return Report{}, err
	}
	defer client.Close()

	welcome := client.Welcome()
	logger := opts.Logger.With(logging.String("entity_id", welcome.EntityID))
	script := opts.Script
	if script.Sensitivity <= 0 {
		script.Sensitivity = movement.DefaultTuning().Sensitivity
	}

	//1.- The script only touches the capture buffer; the client owns the predictor tick.
	var ticks uint64
	loop := simulation.NewLoop(welcome.TickRateHz, func(step time.Duration) {
		script.Apply(ticks, capture)
		client.Step(step.Seconds())
		ticks++
	}, simulation.WithLogger(logger))
	loop.Start(ctx)

	var timeout <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		timeout = timer.C
	}
	var runErr error
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-client.Done():
		runErr = client.Err()
	}
	loop.Stop()

	errMu.Lock()
	worst := maxError
	errMu.Unlock()
	report := Report{
		EntityID:      welcome.EntityID,
		Ticks:         ticks,
		Stats:         client.Controller().Stats(),
		MaxError:      worst,
		FinalPosition: client.Body().Position(),
	}
	logger.Info("predictor bot finished",
		logging.Uint64("ticks", report.Ticks),
		logging.Uint64("soft_corrections", report.Stats.SoftCorrections),
		logging.Uint64("hard_corrections", report.Stats.HardCorrections),
		logging.Uint64("stale_snapshots", report.Stats.StaleSnapshots),
		logging.Float64("max_position_error", report.MaxError),
	)
	return report, runErr
}
