// Package cli holds the bronisync command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"bronisync/internal/app"
	"bronisync/internal/config"
	"bronisync/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

type rootOptions struct {
	configPath string
	output     string
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "bronisync",
		Short:         "Adaptive poller and delivery service for the reservation API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", configPath, "Path to config.yaml (env CONFIG_PATH)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", formatTable, "Output format: table|json")

	root.AddCommand(
		newServeCmd(opts),
		newPollCmd(opts),
		newDrainCmd(opts),
		newStatusCmd(opts),
		newRateLimitCmd(opts),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context, version string) error {
	return NewRootCmd(version).ExecuteContext(ctx)
}

// session is one loaded config with its logger and wired app.
type session struct {
	cfg    *config.Config
	logger *zerolog.Logger
	app    *app.App
	closer io.Closer
}

func (o *rootOptions) open(ctx context.Context, appOpts app.Options) (*session, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a, err := app.New(ctx, cfg, logger, appOpts)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, app: a, closer: closer}, nil
}

func (s *session) close() {
	s.app.Close()
	if s.closer != nil {
		_ = s.closer.Close()
	}
}
