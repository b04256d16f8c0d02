package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dlchats/accounts-bridge/internal/conf"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// flags override the matching environment variables
type flags struct {
	port    int
	dataDir string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	serve := newServeCmd(f)

	rootCmd := &cobra.Command{
		Use:           "bridge",
		Short:         "Multi-account messaging bridge",
		Long:          "bridge runs one automated messaging session per account and relays conversations, history and sends to dashboard observers over WebSocket.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		// serve is the default command
		RunE: serve.RunE,
	}
	rootCmd.PersistentFlags().IntVar(&f.port, "port", 0, "listen port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&f.dataDir, "data-dir", "", "message store directory (overrides DATA_DIR)")

	rootCmd.AddCommand(serve, newStoreCmd(f))
	return rootCmd
}

// loadConfig reads .env, the environment and flag overrides
func loadConfig(f *flags) (*conf.Config, error) {
	envErr := godotenv.Load()

	cfg, err := conf.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.dataDir != "" {
		cfg.Store.DataDir = f.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conf.SetupLogging(cfg.Debug)
	if envErr != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}
	return cfg, nil
}
