package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bronisync/internal/app"
	"bronisync/internal/scheduler"

	"github.com/spf13/cobra"
)

func newPollCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle and deliver what it fetched",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(opts.output)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := opts.open(ctx, app.Options{Delivery: true})
			if err != nil {
				return err
			}
			defer s.close()

			dispatchCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				s.app.Dispatcher.Run(dispatchCtx)
			}()

			out := s.app.Scheduler.RunCycle(ctx, scheduler.SourceManual)

			// undelivered jobs go to the retry queue on shutdown
			cancel()
			<-done

			return writeOutcome(cmd.OutOrStdout(), format, out)
		},
	}
}
