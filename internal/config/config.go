package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Application
	Version  string
	NodeID   string
	LogLevel string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int
	LogdyLevel   string

	// Listen addresses
	Host               string
	CameraGatewayPort  int
	ControlGatewayPort int
	RelayPort          int

	// Security
	// HMACSecret is shared with every operator client. An empty secret
	// is accepted for local development but logged loudly at startup.
	HMACSecret      string
	ReplayTolerance time.Duration
	SessionTimeout  time.Duration

	// Framing
	MTUBudget       int // bytes per datagram including the length prefix and header
	FragmentTimeout time.Duration

	// Reassembly caps, applied before any signature is checked
	ReassemblyMaxMessageBytes int
	ReassemblyMaxFragments    int
	ReassemblyMaxPending      int
	ReassemblyMaxBytes        int

	// Event loop schedule
	FanoutFPS           int
	CleanupInterval     time.Duration
	StatsInterval       time.Duration
	HealthCheckInterval time.Duration

	// Socket bind retries on startup
	BindRetries int
	BindBackoff time.Duration

	// Per-peer ingress limit
	RateLimitRPS   float64
	RateLimitBurst int

	// Capture
	FrameQueueSize     int // 1 or 2, drop-oldest
	CaptureStopTimeout time.Duration
	BinaryFrames       bool
	ScreenshotDir      string
	CameraConfigPath   string
	Cameras            []CameraConfig

	// Relay node
	// RelayClientTTL of zero keeps learned addresses forever.
	RelayClientTTL       time.Duration
	RelayVerifySignature bool

	// NATS (robot command bus and stats)
	NatsEnabled         bool
	NatsURL             string
	NatsConnectTimeout  time.Duration
	NatsReconnectWait   time.Duration
	NatsMaxReconnects   int
	RobotCommandSubject string
	StatsSubject        string

	// Control gateway
	// RobotRequestReply waits for the robot side to answer each command
	// instead of publishing fire-and-forget.
	RobotRequestReply bool
	CommandTimeout    time.Duration
	CommandQueueSize  int

	// Admin HTTP API
	AdminEnabled bool
	AdminPort    int

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		// Application
		Version:  getEnv("VERSION", "1.0.0"),
		NodeID:   getEnv("NODE_ID", "gateway-1"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Logdy
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),
		LogdyLevel:   getEnv("LOGDY_LEVEL", "info"),

		// Listen addresses
		Host:               getEnv("GATEWAY_HOST", "0.0.0.0"),
		CameraGatewayPort:  getEnvInt("CAMERA_GATEWAY_PORT", 5005),
		ControlGatewayPort: getEnvInt("CONTROL_GATEWAY_PORT", 5006),
		RelayPort:          getEnvInt("RELAY_PORT", 5007),

		// Security
		HMACSecret:      getEnv("HMAC_SECRET", ""),
		ReplayTolerance: getEnvDuration("REPLAY_TOLERANCE", 30*time.Second),
		SessionTimeout:  getEnvDuration("SESSION_TIMEOUT", 300*time.Second),

		// Framing
		MTUBudget:       getEnvInt("MTU_BUDGET", 1400),
		FragmentTimeout: getEnvDuration("FRAGMENT_TIMEOUT", 10*time.Second),

		ReassemblyMaxMessageBytes: getEnvInt("REASSEMBLY_MAX_MESSAGE_BYTES", 1<<20),
		ReassemblyMaxFragments:    getEnvInt("REASSEMBLY_MAX_FRAGMENTS", 4096),
		ReassemblyMaxPending:      getEnvInt("REASSEMBLY_MAX_PENDING", 256),
		ReassemblyMaxBytes:        getEnvInt("REASSEMBLY_MAX_BYTES", 16<<20),

		// Event loop schedule
		FanoutFPS:           getEnvInt("FANOUT_FPS", 30),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 60*time.Second),
		StatsInterval:       getEnvDuration("STATS_INTERVAL", 30*time.Second),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 10*time.Second),

		BindRetries: getEnvInt("BIND_RETRIES", 5),
		BindBackoff: getEnvDuration("BIND_BACKOFF", 1*time.Second),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 200),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 400),

		// Capture
		FrameQueueSize:     getEnvInt("FRAME_QUEUE_SIZE", 2),
		CaptureStopTimeout: getEnvDuration("CAPTURE_STOP_TIMEOUT", 3*time.Second),
		BinaryFrames:       getEnvBool("BINARY_FRAMES", false),
		ScreenshotDir:      getEnv("SCREENSHOT_DIR", ""),
		CameraConfigPath:   getEnv("CAMERA_CONFIG", ""),

		// Relay node
		RelayClientTTL:       getEnvDuration("RELAY_CLIENT_TTL", 0),
		RelayVerifySignature: getEnvBool("RELAY_VERIFY_SIGNATURE", false),

		// NATS
		NatsEnabled:         getEnvBool("NATS_ENABLED", false),
		NatsURL:             getNatsURL(),
		NatsConnectTimeout:  getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:   getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:   getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		RobotCommandSubject: getEnv("ROBOT_COMMAND_SUBJECT", "robot.commands"),
		StatsSubject:        getEnv("STATS_SUBJECT", "gateway.stats"),

		// Control gateway
		RobotRequestReply: getEnvBool("ROBOT_REQUEST_REPLY", false),
		CommandTimeout:    getEnvDuration("COMMAND_TIMEOUT", 2*time.Second),
		CommandQueueSize:  getEnvInt("COMMAND_QUEUE_SIZE", 64),

		// Admin HTTP API
		AdminEnabled: getEnvBool("ADMIN_ENABLED", false),
		AdminPort:    getEnvInt("ADMIN_PORT", 8090),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	cfg.Normalize()
	return cfg
}

// Normalize clamps values that would otherwise break the event loop
// (zero tickers, queue sizes outside 1..2).
func (c *Config) Normalize() {
	if c.FrameQueueSize < 1 {
		c.FrameQueueSize = 1
	}
	if c.FrameQueueSize > 2 {
		c.FrameQueueSize = 2
	}
	if c.FanoutFPS <= 0 {
		c.FanoutFPS = 30
	}
	if c.MTUBudget < 256 {
		c.MTUBudget = 256
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.CommandQueueSize < 1 {
		c.CommandQueueSize = 64
	}
	if c.BindRetries < 1 {
		c.BindRetries = 1
	}
	if len(c.Cameras) == 0 {
		c.Cameras = DefaultCameras()
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}
	if isRunningInDocker() {
		return "nats://nats:4222"
	}
	return "nats://localhost:4222"
}
