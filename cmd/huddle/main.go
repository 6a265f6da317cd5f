package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/api"
	"github.com/npezzotti/go-huddle/internal/config"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/server"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flagSet := config.GetFlagSet()

	rootCmd := &cobra.Command{
		Use:           "huddle",
		Short:         "Presence, room messaging and call signaling server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Sign an identity token",
		Long:  `token prints a token for the given identity, signed with the configured key. It is meant for operators and local testing.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagSet)
			if err != nil {
				return err
			}

			tok, err := api.CreateToken(cfg.SigningKey, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", api.DefaultTokenExpiration, "token lifetime")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(flagSet)
				if err != nil {
					return err
				}
				return serve(cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending postgres migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(flagSet)
				if err != nil {
					return err
				}

				logger := newLogger(cfg)
				repo, err := openRepository(logger, cfg)
				if err != nil {
					return err
				}
				defer repo.Close()

				logger.Info("migrations applied", "store", cfg.Store.Type)
				return nil
			},
		},
		tokenCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "huddle:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "huddle",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
}

// openRepository opens the configured store. Postgres schemas are migrated
// before the repository is returned.
func openRepository(logger hclog.Logger, cfg *config.Config) (database.Repository, error) {
	switch cfg.Store.Type {
	case config.StorePostgres:
		repo, err := database.NewPgRepository(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case config.StoreBuntDB:
		logger.Debug("opening buntdb store", "path", cfg.Store.Path)
		repo, err := database.NewBuntRepository(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("buntdb open: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func hubOptions(cfg *config.Config) server.Options {
	opts := server.DefaultOptions()
	opts.GracePeriod = cfg.Presence.GracePeriod
	opts.IdleTimeout = cfg.Presence.IdleTimeout
	opts.PresenceSweep = cfg.Presence.SweepSchedule
	opts.CallEmptyGrace = cfg.Calls.EmptyGrace
	opts.CallAbandonAfter = cfg.Calls.AbandonAfter
	opts.CallSweep = cfg.Calls.SweepSchedule
	opts.RoomIdleTimeout = cfg.Rooms.IdleTimeout
	opts.HistoryLimit = cfg.Rooms.HistoryLimit
	opts.DedupCacheSize = cfg.Relay.DedupCacheSize
	opts.SendBuffer = cfg.Session.SendBuffer
	return opts
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg)

	repo, err := openRepository(logger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("db close", "error", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	hub, err := server.NewHub(logger, repo, statsUpdater, hubOptions(cfg))
	if err != nil {
		return fmt.Errorf("new hub: %w", err)
	}
	if err := hub.Start(context.Background()); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	srv := api.NewServer(mux, logger.Named("api"), hub, repo, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	logger.Info("shutting down hub")
	hub.Shutdown()

	logger.Info("shutdown complete")
	return serveErr
}
