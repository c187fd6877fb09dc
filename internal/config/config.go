package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default configuration values.
const (
	DefaultAddr        = ":3001"
	DefaultServerURL   = "ws://localhost:3001/ws"
	DefaultSTUN        = "stun:stun.l.google.com:19302"
	DefaultTokenSecret = "collabmesh-dev-secret"

	DefaultRoomInactivityTimeout = 3 * time.Hour
	DefaultPeerHeartbeatTimeout  = 5 * time.Minute
	DefaultSweepInterval         = 60 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultPresenceInterval      = 5 * time.Second
	DefaultTokenTTL              = 15 * time.Minute

	DefaultMaxReconnectAttempts = 10
	DefaultBaseBackoff          = time.Second
	DefaultMaxBackoff           = 30 * time.Second
)

// Config holds everything the server and client read from the environment.
// Values only; how the process gets its environment is the caller's concern.
type Config struct {
	// Addr is the HTTP/websocket listen address (server).
	Addr string

	// ServerURL is the websocket endpoint the client dials.
	ServerURL string

	// Token issuing/validation.
	TokenSecret string
	TokenTTL    time.Duration

	// Liveness thresholds (server).
	RoomInactivityTimeout time.Duration
	PeerHeartbeatTimeout  time.Duration
	SweepInterval         time.Duration

	// Client-side timers.
	HeartbeatInterval time.Duration
	PresenceInterval  time.Duration

	// Reconnection policy (client).
	MaxReconnectAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration

	// ICE servers for WebRTC.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Load reads configuration from the environment, with a .env file merged
// in when present. Every value has a working default.
func Load() *Config {
	// Missing .env is normal in production.
	_ = godotenv.Load()

	return &Config{
		Addr:        GetEnv("COLLAB_ADDR", DefaultAddr),
		ServerURL:   GetEnv("COLLAB_SERVER_URL", DefaultServerURL),
		TokenSecret: GetEnv("TOKEN_SECRET", DefaultTokenSecret),
		TokenTTL:    GetEnvDuration("TOKEN_TTL", DefaultTokenTTL),

		RoomInactivityTimeout: GetEnvDuration("ROOM_INACTIVITY_TIMEOUT", DefaultRoomInactivityTimeout),
		PeerHeartbeatTimeout:  GetEnvDuration("PEER_HEARTBEAT_TIMEOUT", DefaultPeerHeartbeatTimeout),
		SweepInterval:         GetEnvDuration("CLEANUP_CHECK_INTERVAL", DefaultSweepInterval),

		HeartbeatInterval: GetEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		PresenceInterval:  GetEnvDuration("PRESENCE_INTERVAL", DefaultPresenceInterval),

		MaxReconnectAttempts: GetEnvInt("MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts),
		BaseBackoff:          GetEnvDuration("BASE_BACKOFF", DefaultBaseBackoff),
		MaxBackoff:           GetEnvDuration("MAX_BACKOFF", DefaultMaxBackoff),

		STUNServer: GetEnv("STUN_SERVER", DefaultSTUN),
		TURNServer: GetEnv("TURN_SERVER", ""),
		TURNUser:   GetEnv("TURN_USERNAME", ""),
		TURNPass:   GetEnv("TURN_PASSWORD", ""),
	}
}

// HTTPBaseURL derives the HTTP base from the websocket URL, for the token
// endpoint and room lookups.
func (c *Config) HTTPBaseURL() string {
	base := c.ServerURL
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return base
}

// GetSTUNServers returns the configured STUN URLs.
func (c *Config) GetSTUNServers() []string {
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN URLs if a TURN server is configured.
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
	}
}

// GetTURNCredentials returns the TURN username and password.
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvInt returns an environment variable parsed as an integer, or the
// default when absent or unparsable.
func GetEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(GetEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

// GetEnvDuration parses a Go duration string ("90s", "3h"), falling back
// to plain milliseconds for compatibility with older deployments.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
