package cli

import (
	"bronisync/internal/app"

	"github.com/spf13/cobra"
)

func newDrainCmd(opts *rootOptions) *cobra.Command {
	var skipCleanup bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Retry due deliveries once and prune old retry items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseFormat(opts.output)
			if err != nil {
				return err
			}

			s, err := opts.open(cmd.Context(), app.Options{Delivery: true})
			if err != nil {
				return err
			}
			defer s.close()

			var removed int64
			if !skipCleanup {
				removed, err = s.app.Retry.Cleanup(cmd.Context(), s.cfg.Retry.RetentionDays)
				if err != nil {
					return err
				}
			}
			report := s.app.Retry.Drain(cmd.Context())

			return writeDrain(cmd.OutOrStdout(), format, report, removed)
		},
	}
	cmd.Flags().BoolVar(&skipCleanup, "no-cleanup", false, "Do not delete items older than retry.retention_days")
	return cmd
}
