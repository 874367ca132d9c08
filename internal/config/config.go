package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	pebblestore "github.com/rzbill/intelbridge/internal/storage/pebble"
	"github.com/rzbill/intelbridge/pkg/log"
)

// Config is the top-level configuration loaded from file and env.
type Config struct {
	Host       string `mapstructure:"host"`
	ManagePort int    `mapstructure:"manage_port"`
	PubPort    int    `mapstructure:"pub_port"`
	SubPort    int    `mapstructure:"sub_port"`

	// AdminAddr serves health, session listing and metrics. Empty disables it.
	AdminAddr string `mapstructure:"admin_addr"`
	// GRPCAddr serves grpc.health.v1. Empty disables it.
	GRPCAddr string `mapstructure:"grpc_addr"`

	DataDir       string        `mapstructure:"data_dir"`
	Fsync         string        `mapstructure:"fsync"`
	FsyncInterval time.Duration `mapstructure:"fsync_interval"`

	JournalEnabled   bool          `mapstructure:"journal_enabled"`
	JournalRetention time.Duration `mapstructure:"journal_retention"`
	SnapshotCollect  time.Duration `mapstructure:"snapshot_collect"`

	SessionTTL time.Duration `mapstructure:"session_ttl"`
	TokenGrace time.Duration `mapstructure:"token_grace"`

	OutboxSize int `mapstructure:"outbox_size"`
	SendBuffer int `mapstructure:"send_buffer"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Host:             "127.0.0.1",
		ManagePort:       13370,
		PubPort:          13371,
		SubPort:          13372,
		AdminAddr:        "127.0.0.1:8480",
		DataDir:          DefaultDataDir(),
		Fsync:            "interval",
		FsyncInterval:    5 * time.Millisecond,
		JournalEnabled:   true,
		JournalRetention: 30 * 24 * time.Hour,
		SnapshotCollect:  10 * time.Minute,
		TokenGrace:       time.Minute,
		OutboxSize:       4096,
		SendBuffer:       1024,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads configuration from a JSON, YAML or TOML file (by extension) and
// overlays INTELBRIDGE_* environment variables. An empty path yields defaults
// plus env.
func Load(path string) (Config, error) {
	v := newViper(Default())
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host must be set"))
	}
	ports := map[string]int{"manage_port": c.ManagePort, "pub_port": c.PubPort, "sub_port": c.SubPort}
	seen := make(map[int]string, len(ports))
	for _, name := range []string{"manage_port", "pub_port", "sub_port"} {
		p := ports[name]
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
			continue
		}
		if other, dup := seen[p]; dup {
			errs = append(errs, fmt.Errorf("%s and %s share port %d", other, name, p))
		}
		seen[p] = name
	}
	if _, err := pebblestore.ParseFsyncMode(c.Fsync); err != nil {
		errs = append(errs, err)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"fsync_interval", c.FsyncInterval},
		{"journal_retention", c.JournalRetention},
		{"snapshot_collect", c.SnapshotCollect},
		{"session_ttl", c.SessionTTL},
		{"token_grace", c.TokenGrace},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if c.OutboxSize < 0 || c.SendBuffer < 0 {
		errs = append(errs, errors.New("queue sizes must not be negative"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ManageAddr is the control endpoint listen address.
func (c Config) ManageAddr() string { return joinPort(c.Host, c.ManagePort) }

// PubAddr is where the bridge publishes to apps.
func (c Config) PubAddr() string { return joinPort(c.Host, c.PubPort) }

// SubAddr is where apps publish to the bridge.
func (c Config) SubAddr() string { return joinPort(c.Host, c.SubPort) }

// Log returns the logger settings.
func (c Config) Log() *log.Config {
	return &log.Config{Level: c.LogLevel, Format: c.LogFormat}
}

func joinPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
