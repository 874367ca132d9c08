package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/intelbridge/internal/cmd/client"
	serverrun "github.com/rzbill/intelbridge/internal/cmd/server"
	cfgpkg "github.com/rzbill/intelbridge/internal/config"
	logpkg "github.com/rzbill/intelbridge/pkg/log"
)

func main() {
	// CLI logger; the server builds its own from config.
	level, err := logpkg.ParseLevel(os.Getenv("INTELBRIDGE_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:           "intelbridge",
		Short:         "Threat intel bridge between a message bus and apps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the bridge node",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	addServerFlags(serverStartCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	addServerFlags(configCmd)

	serverCmd.AddCommand(serverStartCmd, configCmd)
	rootCmd.AddCommand(serverCmd)
	clientcmd.AddCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

func addServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", os.Getenv("INTELBRIDGE_CONFIG"), "Config file (json, yaml or toml)")
	f.String("host", "", "Bind host for the manage, pub and sub endpoints")
	f.Int("manage-port", 0, "Management endpoint port")
	f.Int("pub-port", 0, "Publish endpoint port (bridge to apps)")
	f.Int("sub-port", 0, "Inbound endpoint port (apps to bridge)")
	f.String("admin", "", "Admin HTTP listen address")
	f.String("grpc", "", "gRPC health listen address")
	f.String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	f.String("fsync", "", "Fsync mode: always|interval|never")
	f.Bool("no-journal", false, "Disable the local snapshot journal")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
}

// loadConfig reads the config file and env, then applies flags the user set.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	str("host", &cfg.Host)
	num("manage-port", &cfg.ManagePort)
	num("pub-port", &cfg.PubPort)
	num("sub-port", &cfg.SubPort)
	str("admin", &cfg.AdminAddr)
	str("grpc", &cfg.GRPCAddr)
	str("data-dir", &cfg.DataDir)
	str("fsync", &cfg.Fsync)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	if off, _ := f.GetBool("no-journal"); off {
		cfg.JournalEnabled = false
	}
	return cfg, cfg.Validate()
}
