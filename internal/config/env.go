package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INTELBRIDGE_PUB_PORT.
const EnvPrefix = "INTELBRIDGE"

// FromEnv overlays INTELBRIDGE_* environment variables onto cfg.
func FromEnv(cfg *Config) error {
	v := newViper(*cfg)
	return v.Unmarshal(cfg)
}

// newViper returns a viper instance seeded with base as defaults and bound
// to the environment.
func newViper(base Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", base.Host)
	v.SetDefault("manage_port", base.ManagePort)
	v.SetDefault("pub_port", base.PubPort)
	v.SetDefault("sub_port", base.SubPort)
	v.SetDefault("admin_addr", base.AdminAddr)
	v.SetDefault("grpc_addr", base.GRPCAddr)
	v.SetDefault("data_dir", base.DataDir)
	v.SetDefault("fsync", base.Fsync)
	v.SetDefault("fsync_interval", base.FsyncInterval)
	v.SetDefault("journal_enabled", base.JournalEnabled)
	v.SetDefault("journal_retention", base.JournalRetention)
	v.SetDefault("snapshot_collect", base.SnapshotCollect)
	v.SetDefault("session_ttl", base.SessionTTL)
	v.SetDefault("token_grace", base.TokenGrace)
	v.SetDefault("outbox_size", base.OutboxSize)
	v.SetDefault("send_buffer", base.SendBuffer)
	v.SetDefault("log_level", base.LogLevel)
	v.SetDefault("log_format", base.LogFormat)
	return v
}
