package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"bronisync/internal/models"
	"bronisync/internal/ratelimit"
	"bronisync/internal/retry"
	"bronisync/internal/scheduler"

	"github.com/jedib0t/go-pretty/v6/table"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func parseFormat(raw string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(raw)); f {
	case "", formatTable:
		return formatTable, nil
	case formatJSON:
		return formatJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", raw)
	}
}

type statusView struct {
	Enabled  bool                     `json:"poller_enabled"`
	Interval time.Duration            `json:"-"`
	State    models.PollState         `json:"state"`
	Activity *models.ActivitySnapshot `json:"activity,omitempty"`
	Retry    []models.RetryItem       `json:"retry_items"`
}

func (v statusView) MarshalJSON() ([]byte, error) {
	type alias statusView
	return json.Marshal(struct {
		alias
		NextIntervalSeconds int `json:"next_interval_seconds"`
	}{alias(v), int(v.Interval / time.Second)})
}

type rateLimitView struct {
	Key    string                `json:"key"`
	Rule   ratelimit.Rule        `json:"rule"`
	State  models.RateLimitState `json:"state"`
	Result ratelimit.Result      `json:"result"`
}

func writeJSON(w io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func writeStatus(w io.Writer, format string, v statusView) error {
	if format == formatJSON {
		return writeJSON(w, v)
	}

	st := v.State
	t := newTable()
	t.SetTitle("Poller")
	t.AppendRows([]table.Row{
		{"Enabled", yesNo(v.Enabled)},
		{"Activity level", dash(string(st.ActivityLevel))},
		{"Consecutive failures", st.ConsecutiveFailures},
		{"Current interval", time.Duration(st.CurrentIntervalSeconds) * time.Second},
		{"Next interval", v.Interval},
		{"Last poll", formatTime(st.LastPollAt)},
		{"Last success", formatTime(st.LastSuccessAt)},
		{"Last failure", formatTime(st.LastFailureAt)},
		{"Polls (ok/failed/skipped)", fmt.Sprintf("%d/%d/%d", st.Stats.SuccessfulPolls, st.Stats.FailedPolls, st.Stats.SkippedPolls)},
		{"Avg duration", fmt.Sprintf("%.0fms", st.Stats.AvgDurationMs)},
	})
	if v.Activity != nil {
		t.AppendRow(table.Row{"Bookings 1h/6h/24h", fmt.Sprintf("%d/%d/%d", v.Activity.H1, v.Activity.H6, v.Activity.H24)})
	}
	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}

	if len(st.RecentErrors) > 0 {
		errs := newTable()
		errs.SetTitle("Recent errors")
		errs.AppendHeader(table.Row{"At", "Kind", "Message"})
		for _, e := range st.RecentErrors {
			errs.AppendRow(table.Row{formatTime(e.At), e.Kind, e.Message})
		}
		if _, err := fmt.Fprintln(w, errs.Render()); err != nil {
			return err
		}
	}

	rt := newTable()
	rt.SetTitle("Retry queue")
	rt.AppendHeader(table.Row{"ID", "Endpoint", "Attempts", "Last try", "Last error"})
	for _, it := range v.Retry {
		rt.AppendRow(table.Row{it.ID, it.Endpoint, it.Attempts, formatTime(it.LastTryAt), truncate(it.LastError, 60)})
	}
	rt.AppendFooter(table.Row{"", "Total", len(v.Retry), "", ""})
	_, err := fmt.Fprintln(w, rt.Render())
	return err
}

func writeOutcome(w io.Writer, format string, out scheduler.Outcome) error {
	if format == formatJSON {
		return writeJSON(w, out)
	}
	t := newTable()
	t.AppendRows([]table.Row{
		{"Cycle", out.CycleID},
		{"Status", out.Status},
		{"Reason", dash(out.Reason)},
		{"Changed bookings", out.Fetched},
		{"Duration", out.Duration.Round(time.Millisecond)},
		{"Next poll in", out.Next},
	})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func writeDrain(w io.Writer, format string, r retry.Report, removed int64) error {
	if format == formatJSON {
		return writeJSON(w, map[string]any{"report": r, "cleaned_up": removed})
	}
	t := newTable()
	t.AppendHeader(table.Row{"Total", "Delivered", "Failed", "Exhausted", "Corrupt", "Not due", "Conflicts", "Errors", "Cleaned up"})
	t.AppendRow(table.Row{r.Total, r.Delivered, r.Failed, r.Exhausted, r.Corrupt, r.NotDue, r.Conflicts, r.Errors, removed})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func writeRateLimit(w io.Writer, format string, v rateLimitView) error {
	if format == formatJSON {
		return writeJSON(w, v)
	}
	limit := "unlimited"
	if v.Rule.MaxAttempts > 0 && v.Rule.WindowSeconds > 0 {
		limit = fmt.Sprintf("%d per %ds", v.Rule.MaxAttempts, v.Rule.WindowSeconds)
	}
	t := newTable()
	t.AppendRows([]table.Row{
		{"Key", v.Key},
		{"Limit", limit},
		{"Count", v.State.Count},
		{"Window expires", formatTime(v.State.WindowExpiresAt)},
		{"Allowed", yesNo(v.Result.Allowed)},
		{"Remaining", v.Result.Remaining},
		{"Retry after", strconv.Itoa(v.Result.RetryAfterSeconds()) + "s"},
	})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
