package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// DeviationsOptions holds flags for the deviations command.
type DeviationsOptions struct {
	*RootOptions
	From string
	To   string
}

// NewDeviationsCommand creates the deviations command.
func NewDeviationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeviationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deviations <facility-id>",
		Short: "List recorded deviations of a facility",
		Long: `List deviations of a facility that overlap a time range, in start order.
Without --from or --to the range is unbounded on that side.

Examples:
  coldtrace deviations depot-north
  coldtrace deviations depot-north --from 2026-03-01T00:00:00Z --to 2026-03-02T00:00:00Z`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviations(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "range start, RFC 3339")
	cmd.Flags().StringVar(&opts.To, "to", "", "range end, RFC 3339")

	return cmd
}

func runDeviations(opts *DeviationsOptions, facilityID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	from, err := parseOptionalTime("--from", opts.From)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid range", err)
	}
	to, err := parseOptionalTime("--to", opts.To)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid range", err)
	}

	ctx := context.Background()
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	events, err := a.engine.GetDeviationEvents(ctx, facilityID, from, to)
	if err != nil {
		return formatter.Fail("failed to query deviations", err)
	}

	return formatter.Render(events, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintf(w, "No deviations for %s.\n", facilityID)
			return
		}
		for _, ev := range events {
			fmt.Fprintf(w, "%s  [%s]\n", describeDeviation(ev), ev.Source)
		}
	})
}

// parseOptionalTime parses an RFC 3339 flag; empty means unbounded.
func parseOptionalTime(flag, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %q is not an RFC 3339 timestamp", flag, s)
	}
	return t.UTC(), nil
}
