package cli

import (
	"errors"

	"bronisync/internal/app"
	"bronisync/internal/domain"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show poll state, activity level and the retry backlog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(opts.output)
			if err != nil {
				return err
			}

			s, err := opts.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			st := statusView{
				Enabled:  s.app.Scheduler.Enabled(),
				State:    s.app.Scheduler.State(ctx),
				Interval: s.app.Scheduler.Interval(),
			}
			snap, err := s.app.Analyzer.Snapshot(ctx)
			switch {
			case err == nil:
				st.Activity = &snap
			case !errors.Is(err, domain.ErrNotFound):
				s.logger.Warn().Err(err).Msg("read activity snapshot")
			}

			items, err := s.app.Retry.Items(ctx)
			if err != nil {
				return err
			}
			st.Retry = items

			return writeStatus(cmd.OutOrStdout(), format, st)
		},
	}
}
