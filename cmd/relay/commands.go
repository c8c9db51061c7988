package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"the-relay/internal/auth"
	"the-relay/internal/core"
	"the-relay/internal/features/currency"
	"the-relay/internal/features/lastfm"
	"the-relay/internal/server"
	"the-relay/internal/server/services/presence"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pollers and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := core.NewLoggerWithWriter(os.Stdout, config.Log.Level)

			db, storage, err := openStorage(cmd.Context(), config, logger)
			if err != nil {
				return err
			}

			registry := core.NewRegistry(logger)
			features := []core.Feature{
				lastfm.NewFeature(config, logger, storage, presence.NewDiscord(logger.With("component", "presence"))),
				currency.NewFeature(config, logger, storage),
			}
			for _, feature := range features {
				if err := registry.Register(feature); err != nil {
					db.Close()
					return err
				}
			}

			srv, err := server.New(config, logger, db, registry)
			if err != nil {
				db.Close()
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(ctx)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					logger.Error("Server stopped", "error", err)
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return errors.Join(err, srv.Shutdown(shutdownCtx))
			case <-ctx.Done():
			}

			logger.Info("Received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := core.NewLoggerWithWriter(os.Stdout, config.Log.Level)

			db, _, err := openStorage(cmd.Context(), config, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := core.NewMigrationService(db, logger).GetMigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d migrations applied\n", status.AppliedCount)
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(config.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of an admin token for use in config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func openStorage(ctx context.Context, config *core.Config, logger *core.Logger) (*core.Database, *core.Storage, error) {
	db, err := core.OpenDatabase(config.Database.Path, logger)
	if err != nil {
		return nil, nil, err
	}

	storage := core.NewStorage(db, logger)
	if err := storage.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, storage, nil
}
