package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pkcelogin-go/internal/app"
	"pkcelogin-go/internal/config"
	"pkcelogin-go/internal/logging"
)

const serviceName = "pkce-server"

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configFile string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "OAuth 2.0 authorization code login with PKCE",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFiles(envFiles...)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the login endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer application.Close()

		logger.Info("application configured",
			"provider", application.Flow.Provider(),
			"state_store", cfg.Flow.StateStore,
			"session_store", cfg.Session.Store,
			"public_url", cfg.Server.PublicURL,
		)
		if err := application.Run(ctx); err != nil {
			return fmt.Errorf("application failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("PKCE_CONFIG"), "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the config")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config and builds the logger it describes. The logger
// also becomes the slog default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Logging(serviceName, Version))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
