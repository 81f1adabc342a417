package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkcelogin-go/internal/auth"
	"pkcelogin-go/internal/storage"
)

var migrateDown bool

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "revert every migration")
	rootCmd.AddCommand(migrateCmd, challengeCmd, backupCmd, statsCmd, revokeCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		// Opening the database applies pending migrations.
		db, err := storage.OpenDatabase(cmd.Context(), cfg.Storage())
		if err != nil {
			return err
		}
		defer db.Close()

		if migrateDown {
			if err := db.MigrateDown(cmd.Context()); err != nil {
				return err
			}
		}
		status, err := db.GetMigrationStatus()
		if err != nil {
			return err
		}
		logger.Info("migrations complete", "version", status.Version, "dirty", status.Dirty)
		return nil
	},
}

var challengeCmd = &cobra.Command{
	Use:   "challenge [verifier]",
	Short: "Print the S256 code challenge of a verifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.ValidateVerifier(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), auth.S256Challenge(args[0]))
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [path]",
	Short: "Write a verified copy of the database to path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := storage.OpenDatabase(cmd.Context(), cfg.Storage())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Backup(cmd.Context(), args[0]); err != nil {
			return err
		}
		logger.Info("backup written", "path", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print user, session and pending login counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := storage.OpenDatabase(cmd.Context(), cfg.Storage())
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(stats)
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke [user-id]",
	Short: "Sign a user out of every session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := storage.OpenDatabase(cmd.Context(), cfg.Storage())
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := storage.NewSessionStore(db, cfg.Session.UpdateAge.Duration).DeleteUserSessions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		logger.Info("sessions revoked", "user_id", args[0], "count", n)
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions\n", n)
		return nil
	},
}
