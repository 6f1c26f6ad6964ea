package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath       string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:""`
	LogPath        string `envconfig:"LOG_PATH" default:""`
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8700"`
	KnownHostsPath string `envconfig:"KNOWN_HOSTS" default:""`

	// Connection lifecycle
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	LivenessInterval  time.Duration `envconfig:"LIVENESS_INTERVAL" default:"15s"`
	ExecMaxRetries    int           `envconfig:"EXEC_MAX_RETRIES" default:"3"`

	// Multiplexer and fallback tabs
	TmuxSettleDelay  time.Duration `envconfig:"TMUX_SETTLE_DELAY" default:"1s"`
	InstallTablePath string        `envconfig:"INSTALL_TABLE" default:""`
	MaxTabs          int           `envconfig:"MAX_TABS" default:"5"`

	// Terminal bridge
	InputRateLimit  int `envconfig:"INPUT_RATE_LIMIT" default:"200"`
	InputRateBurst  int `envconfig:"INPUT_RATE_BURST" default:"200"`
	ScrollbackBytes int `envconfig:"SCROLLBACK_BYTES" default:"262144"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TETHER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// DBPath returns the sqlite database location, defaulting to tether.db
// under DataPath.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "tether.db")
}

// LogFilePath returns the log file location, defaulting to tether.log
// under DataPath.
func (s Settings) LogFilePath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "tether.log")
}
