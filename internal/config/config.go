package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultAddr is the default TCP address the websocket and ops endpoints listen on.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is empty so the gRPC transport stays disabled unless requested.
	DefaultGRPCAddr = ""
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent predicting peers. Zero disables the limit.
	DefaultMaxClients = 64

	// DefaultTickRateHz is the fixed simulation rate.
	DefaultTickRateHz = 50.0
	// DefaultSnapshotRateHz is the authoritative snapshot cadence per peer.
	DefaultSnapshotRateHz = 20.0
	// DefaultHardSnapPosition is the positional error in metres that forces a snap.
	DefaultHardSnapPosition = 1.0
	// DefaultHardSnapRotationDeg is the rotational error that forces a snap when rotation correction is on.
	DefaultHardSnapRotationDeg = 30.0
	// DefaultSoftCorrection is the per-snapshot blend factor toward the authority.
	DefaultSoftCorrection = 0.12
	// DefaultCorrectRotation leaves predicted heading untouched by snapshots.
	DefaultCorrectRotation = false

	// DefaultSensitivity converts horizontal look input to yaw degrees.
	DefaultSensitivity = 5.0
	// DefaultDeadzone is the move magnitude below which locomotion idles.
	DefaultDeadzone = 0.01
	// DefaultWalkSpeedValue is the Speed parameter target while walking.
	DefaultWalkSpeedValue = 1.0
	// DefaultSprintSpeedValue is the Speed parameter target while sprinting.
	DefaultSprintSpeedValue = 2.0
	// DefaultDampTime smooths animator parameters.
	DefaultDampTime = 0.1
	// DefaultRootMotionMultiplier scales extracted root motion.
	DefaultRootMotionMultiplier = 1.0

	// DefaultCodec selects the binary wire format.
	DefaultCodec = "proto"
	// DefaultBandwidthBytesPerSec caps outbound snapshot bytes per peer. Zero disables the cap.
	DefaultBandwidthBytesPerSec = 0.0

	// DefaultTraceRollWindow bounds how frequently trace roll requests may be made.
	DefaultTraceRollWindow = time.Minute
	// DefaultTraceRollBurst sets how many trace roll requests may be made per window.
	DefaultTraceRollBurst = 1
	// DefaultTraceMaxBundles limits retained trace bundles. Zero keeps every bundle.
	DefaultTraceMaxBundles = 20
	// DefaultTraceMaxAge removes bundles older than this. Zero disables age pruning.
	DefaultTraceMaxAge = 72 * time.Hour

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "movesync.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// EnvFileVar names an optional dotenv file merged into the environment before parsing.
const EnvFileVar = "MOVESYNC_ENV_FILE"

// Config captures all runtime tunables for the movement service.
type Config struct {
	Address              string
	GRPCAddress          string
	GRPCSharedSecret     string
	AllowedOrigins       []string
	MaxPayloadBytes      int64
	PingInterval         time.Duration
	MaxClients           int
	TLSCertPath          string
	TLSKeyPath           string
	AdminToken           string
	WSAuthSecret         string
	TraceDir             string
	TraceRollWindow      time.Duration
	TraceRollBurst       int
	TraceMaxBundles      int
	TraceMaxAge          time.Duration
	Codec                string
	BandwidthBytesPerSec float64
	SentryDSN            string
	Movement             MovementConfig
	Logging              LoggingConfig
}

// MovementConfig groups the simulation, correction and locomotion tunables.
type MovementConfig struct {
	TickRateHz           float64
	SnapshotRateHz       float64
	HardSnapPosition     float64
	HardSnapRotationDeg  float64
	SoftCorrection       float64
	CorrectRotation      bool
	Sensitivity          float64
	Deadzone             float64
	WalkSpeedValue       float64
	SprintSpeedValue     float64
	DampTime             float64
	RootMotionMultiplier float64
}

// TickInterval converts the tick rate into a loop step.
func (m MovementConfig) TickInterval() time.Duration {
	if m.TickRateHz <= 0 {
		return time.Duration(float64(time.Second) / DefaultTickRateHz)
	}
	return time.Duration(float64(time.Second) / m.TickRateHz)
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the service configuration from environment variables, applying defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	var problems []string

	//1.- Merge the optional dotenv file first; variables already present in the process win.
	if path := strings.TrimSpace(os.Getenv(EnvFileVar)); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			problems = append(problems, fmt.Sprintf("%s could not be read: %v", EnvFileVar, err))
		}
	}

	cfg := &Config{
		Address:              getString("MOVESYNC_ADDR", DefaultAddr),
		GRPCAddress:          getString("MOVESYNC_GRPC_ADDR", DefaultGRPCAddr),
		GRPCSharedSecret:     strings.TrimSpace(os.Getenv("MOVESYNC_GRPC_SHARED_SECRET")),
		AllowedOrigins:       parseList(os.Getenv("MOVESYNC_ALLOWED_ORIGINS")),
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		PingInterval:         DefaultPingInterval,
		MaxClients:           DefaultMaxClients,
		TLSCertPath:          strings.TrimSpace(os.Getenv("MOVESYNC_TLS_CERT")),
		TLSKeyPath:           strings.TrimSpace(os.Getenv("MOVESYNC_TLS_KEY")),
		AdminToken:           strings.TrimSpace(os.Getenv("MOVESYNC_ADMIN_TOKEN")),
		WSAuthSecret:         strings.TrimSpace(os.Getenv("MOVESYNC_WS_AUTH_SECRET")),
		TraceDir:             strings.TrimSpace(os.Getenv("MOVESYNC_TRACE_DIR")),
		TraceRollWindow:      DefaultTraceRollWindow,
		TraceRollBurst:       DefaultTraceRollBurst,
		TraceMaxBundles:      DefaultTraceMaxBundles,
		TraceMaxAge:          DefaultTraceMaxAge,
		Codec:                strings.ToLower(getString("MOVESYNC_CODEC", DefaultCodec)),
		BandwidthBytesPerSec: DefaultBandwidthBytesPerSec,
		SentryDSN:            strings.TrimSpace(os.Getenv("MOVESYNC_SENTRY_DSN")),
		Movement: MovementConfig{
			TickRateHz:           DefaultTickRateHz,
			SnapshotRateHz:       DefaultSnapshotRateHz,
			HardSnapPosition:     DefaultHardSnapPosition,
			HardSnapRotationDeg:  DefaultHardSnapRotationDeg,
			SoftCorrection:       DefaultSoftCorrection,
			CorrectRotation:      DefaultCorrectRotation,
			Sensitivity:          DefaultSensitivity,
			Deadzone:             DefaultDeadzone,
			WalkSpeedValue:       DefaultWalkSpeedValue,
			SprintSpeedValue:     DefaultSprintSpeedValue,
			DampTime:             DefaultDampTime,
			RootMotionMultiplier: DefaultRootMotionMultiplier,
		},
		Logging: LoggingConfig{
			Level:      getString("MOVESYNC_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("MOVESYNC_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	//2.- Parse each numeric override, collecting every problem instead of stopping at the first.
	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	positive := func(key string, target *float64) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(value > 0) {
			problems = append(problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
			return
		}
		*target = value
	}
	nonNegative := func(key string, target *float64) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("%s must be a non-negative number, got %q", key, raw))
			return
		}
		*target = value
	}

	mv := &cfg.Movement
	positive("MOVESYNC_TICK_RATE_HZ", &mv.TickRateHz)
	positive("MOVESYNC_SNAPSHOT_RATE_HZ", &mv.SnapshotRateHz)
	positive("MOVESYNC_HARD_SNAP_POSITION", &mv.HardSnapPosition)
	positive("MOVESYNC_HARD_SNAP_ROTATION_DEG", &mv.HardSnapRotationDeg)
	positive("MOVESYNC_SENSITIVITY", &mv.Sensitivity)
	nonNegative("MOVESYNC_DEADZONE", &mv.Deadzone)
	nonNegative("MOVESYNC_WALK_SPEED_VALUE", &mv.WalkSpeedValue)
	nonNegative("MOVESYNC_SPRINT_SPEED_VALUE", &mv.SprintSpeedValue)
	nonNegative("MOVESYNC_DAMP_TIME", &mv.DampTime)
	positive("MOVESYNC_ROOT_MOTION_MULTIPLIER", &mv.RootMotionMultiplier)
	nonNegative("MOVESYNC_BANDWIDTH_BYTES_PER_SEC", &cfg.BandwidthBytesPerSec)

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_SOFT_CORRECTION")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(value > 0) || value > 1 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_SOFT_CORRECTION must be within (0, 1], got %q", raw))
		} else {
			mv.SoftCorrection = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_CORRECT_ROTATION")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MOVESYNC_CORRECT_ROTATION must be a boolean value, got %q", raw))
		} else {
			mv.CorrectRotation = value
		}
	}

	switch cfg.Codec {
	case "proto", "msgpack":
	default:
		problems = append(problems, fmt.Sprintf("MOVESYNC_CODEC must be proto or msgpack, got %q", cfg.Codec))
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_TRACE_ROLL_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_TRACE_ROLL_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.TraceRollWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_TRACE_ROLL_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_TRACE_ROLL_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.TraceRollBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_TRACE_MAX_BUNDLES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_TRACE_MAX_BUNDLES must be a non-negative integer, got %q", raw))
		} else {
			cfg.TraceMaxBundles = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_TRACE_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_TRACE_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.TraceMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MOVESYNC_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MOVESYNC_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MOVESYNC_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "MOVESYNC_TLS_CERT and MOVESYNC_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
