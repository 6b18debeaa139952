package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marketfeed/marketfeed/internal/cli"
	"github.com/marketfeed/marketfeed/internal/config"
	"github.com/marketfeed/marketfeed/internal/messages"
	"github.com/marketfeed/marketfeed/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "dmclient",
	Short: "Read and send marketplace direct messages",
	Long: `dmclient groups your direct messages into conversations and keeps
them current as new messages arrive.

The backend is Supabase by default; set backend: postgres to run against a
self-hosted database created with "dmclient migrate".`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		cli.NewPrinter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// env is everything a command needs, built from the config.
type env struct {
	cfg     *config.Config
	log     *logger.Logger
	backend *backend
	agg     *messages.Aggregator
	printer *cli.Printer
}

func setup(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New("dmclient", cfg.Logging)
	if err != nil {
		return nil, err
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Close()
		return nil, err
	}

	cacheOpts := []messages.ProfileCacheOption{
		messages.WithCacheLogger(log.Named("profile-cache")),
		messages.WithMaxAge(cfg.Refresh.ProfileMaxAge),
	}
	if be.shared != nil {
		cacheOpts = append(cacheOpts, messages.WithSharedStore(be.shared))
	}

	agg := messages.NewAggregator(be.Backend,
		messages.WithLogger(log.Named("messages")),
		messages.WithProfileCache(messages.NewProfileCache(be.Backend, cacheOpts...)),
		messages.WithSendLimit(cfg.Send.RatePerSecond, cfg.Send.Burst),
	)

	return &env{
		cfg:     cfg,
		log:     log,
		backend: be,
		agg:     agg,
		printer: cli.NewPrinter(cmd.OutOrStdout()),
	}, nil
}

func (e *env) Close() {
	if err := e.backend.Close(); err != nil {
		e.log.WithError(err).Warn("closing backend")
	}
	e.log.Close()
}

// currentUser resolves the signed-in user once per command.
func (e *env) currentUser(ctx context.Context) (string, error) {
	id, err := e.backend.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("who am I: %w", err)
	}
	return id, nil
}

func printerFor(cmd *cobra.Command) *cli.Printer {
	return cli.NewPrinter(cmd.OutOrStdout())
}
