package cli

import (
	"os"
	"os/signal"
	"syscall"

	"bronisync/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, delivery workers, retry sweeper and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := opts.open(ctx, app.Options{Delivery: true})
			if err != nil {
				return err
			}
			defer s.close()

			return s.app.Serve(ctx)
		},
	}
}
