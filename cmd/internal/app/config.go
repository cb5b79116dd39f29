package app

import (
	"net"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// Server endpoints.
	ServerURL string // REST base URL
	WSURL     string // realtime endpoint; derived from ServerURL when empty
	Token     string
	UserID    string

	LogLevel  string
	LogFormat string // "json" or "pretty"

	// OpsAddr serves /healthz, /readyz and /metrics.
	OpsAddr           string
	ReadHeaderTimeout time.Duration

	// Engine knobs.
	RequestTimeout time.Duration
	PageSize       int
	TypingWindow   time.Duration

	// Transport knobs.
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HeartbeatInterval time.Duration

	// Local archive. Empty DatabaseURL selects the in-memory archive.
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	ArchiveSchema string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	serverURL := EnvString("CONNEX_SERVER_URL", "http://127.0.0.1:8080")

	return Config{
		ServerURL: serverURL,
		WSURL:     EnvString("CONNEX_WS_URL", wsBaseURL(serverURL)+"/ws"),
		Token:     EnvString("CONNEX_TOKEN", ""),
		UserID:    EnvString("CONNEX_USER_ID", ""),

		LogLevel:  EnvString("CONNEX_LOG_LEVEL", "info"),
		LogFormat: EnvString("CONNEX_LOG_FORMAT", "json"),

		OpsAddr:           EnvString("CONNEX_OPS_ADDR", "127.0.0.1:9090"),
		ReadHeaderTimeout: EnvDuration("CONNEX_OPS_READ_HEADER_TIMEOUT", 5*time.Second),

		RequestTimeout: EnvDuration("CONNEX_REQUEST_TIMEOUT", 20*time.Second),
		PageSize:       EnvInt("CONNEX_PAGE_SIZE", 50),
		TypingWindow:   EnvDuration("CONNEX_TYPING_WINDOW", 3*time.Second),

		BackoffBase:       EnvDuration("CONNEX_BACKOFF_BASE", time.Second),
		BackoffCap:        EnvDuration("CONNEX_BACKOFF_CAP", 30*time.Second),
		HeartbeatInterval: EnvDuration("CONNEX_HEARTBEAT_INTERVAL", 25*time.Second),

		DatabaseURL:   EnvString("CONNEX_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("CONNEX_DB_MAX_CONNS", 4),
		DBMinConns:    EnvInt32("CONNEX_DB_MIN_CONNS", 0),
		ArchiveSchema: EnvString("CONNEX_ARCHIVE_SCHEMA", "connex"),
	}
}

// wsBaseURL converts an http(s) base URL to its ws(s) counterpart. A bare
// host:port gets the ws scheme.
func wsBaseURL(base string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can reach;
// bind-all addresses map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}
