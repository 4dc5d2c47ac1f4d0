package cli

import (
	"fmt"
	"strings"

	"bronisync/internal/app"
	"bronisync/internal/ratelimit"

	"github.com/spf13/cobra"
)

func newRateLimitCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect or reset rate-limit windows",
	}
	cmd.AddCommand(newRateLimitInspectCmd(opts), newRateLimitResetCmd(opts))
	return cmd
}

func newRateLimitInspectCmd(opts *rootOptions) *cobra.Command {
	var maxAttempts, window int

	cmd := &cobra.Command{
		Use:   "inspect <key>",
		Short: "Show the current window for a key such as poll:scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseFormat(opts.output)
			if err != nil {
				return err
			}

			s, err := opts.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer s.close()

			key := ratelimit.NormalizeKey(args[0])
			action, _, _ := strings.Cut(key, ":")
			rule := s.app.Limiter.Rule(action)
			if maxAttempts > 0 {
				rule.MaxAttempts = maxAttempts
			}
			if window > 0 {
				rule.WindowSeconds = window
			}

			state, res := s.app.Limiter.Inspect(cmd.Context(), key, rule.MaxAttempts, rule.WindowSeconds)
			return writeRateLimit(cmd.OutOrStdout(), format, rateLimitView{
				Key:    key,
				Rule:   rule,
				State:  state,
				Result: res,
			})
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max", 0, "Override max attempts of the action rule")
	cmd.Flags().IntVar(&window, "window", 0, "Override window seconds of the action rule")
	return cmd
}

func newRateLimitResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Forget the window for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer s.close()

			key := ratelimit.NormalizeKey(args[0])
			if err := s.app.Limiter.Reset(cmd.Context(), key); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Rate limit %s reset\n", key)
			return err
		},
	}
}
