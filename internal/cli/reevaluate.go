package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/engine"
	"github.com/roach88/coldtrace/internal/record"
)

// ReevaluateOptions holds flags for the reevaluate command.
type ReevaluateOptions struct {
	*RootOptions
	Metric        string
	From          string
	To            string
	BatchSize     int
	OpenIncidents bool
	Verify        bool
}

// NewReevaluateCommand creates the reevaluate command.
func NewReevaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReevaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reevaluate <facility-id>",
		Short: "Replay stored readings under the active thresholds",
		Long: `Replay the readings of one stream in a time range under the active
threshold configuration and record the deviations it finds. Jobs run in
batches and checkpoint after each one, so an interrupted job resumes where
it stopped when run again with the same arguments.

With --verify nothing is written: the stream is recomputed and compared
with the deviations already stored for the range.

Exit codes:
  0 - Job finished, or --verify found no differences
  1 - --verify found differences, or the request was rejected
  2 - Command error

Examples:
  coldtrace reevaluate depot-north --from 2026-03-01T00:00:00Z --to 2026-03-08T00:00:00Z
  coldtrace reevaluate depot-north --from 2026-03-01T00:00:00Z --to 2026-03-08T00:00:00Z --verify`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReevaluate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Metric, "metric", "", "temperature (default) or humidity")
	cmd.Flags().StringVar(&opts.From, "from", "", "range start, RFC 3339 (required)")
	_ = cmd.MarkFlagRequired("from")
	cmd.Flags().StringVar(&opts.To, "to", "", "range end, RFC 3339 (required)")
	_ = cmd.MarkFlagRequired("to")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", 0, "readings per batch (default from config)")
	cmd.Flags().BoolVar(&opts.OpenIncidents, "open-incidents", false, "open incidents for new deviations")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "compare with stored deviations without writing")

	return cmd
}

func runReevaluate(opts *ReevaluateOptions, facilityID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	from, err := parseOptionalTime("--from", opts.From)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid range", err)
	}
	to, err := parseOptionalTime("--to", opts.To)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid range", err)
	}
	req := engine.ReevaluationRequest{
		FacilityID:    facilityID,
		Metric:        record.Metric(opts.Metric),
		From:          from,
		To:            to,
		BatchSize:     opts.BatchSize,
		OpenIncidents: opts.OpenIncidents,
	}

	ctx := context.Background()
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if opts.Verify {
		return runVerify(ctx, a, req, formatter)
	}

	res, err := a.engine.Reevaluate(ctx, req)
	if err != nil {
		return formatter.Fail("reevaluation failed", err)
	}
	return formatter.Render(res, func(w io.Writer) {
		fmt.Fprintf(w, "Reevaluation %s under config %s\n", res.JobID, truncateID(res.ConfigVersion))
		if res.Resumed {
			fmt.Fprintln(w, "  resumed from checkpoint")
		}
		fmt.Fprintf(w, "  Processed: %d reading(s)\n", res.Processed)
		fmt.Fprintf(w, "  Emitted:   %d deviation(s)\n", res.Emitted)
		if res.Skipped > 0 {
			fmt.Fprintf(w, "  Skipped:   %d reading(s) without a rule\n", res.Skipped)
		}
		for _, ev := range res.Deviations {
			fmt.Fprintf(w, "  new %s\n", describeDeviation(ev))
		}
	})
}

func runVerify(ctx context.Context, a *app, req engine.ReevaluationRequest, formatter *OutputFormatter) error {
	res, err := a.engine.VerifyReevaluation(ctx, req)
	if err != nil {
		return formatter.Fail("verification failed", err)
	}

	if formatter.Format == "json" {
		response := CLIResponse{Status: "ok", Data: res}
		if !res.Match {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    "E_REEVALUATION_DIFF",
				Message: "stored deviations differ from a fresh evaluation",
			}
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		fmt.Fprintf(w, "Stored: %d, recomputed: %d (config %s)\n", res.Stored, res.Recomputed, truncateID(res.ConfigVersion))
		if res.Match {
			fmt.Fprintln(w, "✓ Stored deviations match")
		} else {
			fmt.Fprintln(w, "✗ Stored deviations differ")
			fmt.Fprintln(w)
			fmt.Fprint(w, indent(res.Diff, "  "))
		}
	}

	if !res.Match {
		return NewExitError(ExitFailure, "stored deviations differ from a fresh evaluation")
	}
	return nil
}

func indent(s, prefix string) string {
	if s == "" {
		return ""
	}
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l != "" {
			b.WriteString(prefix + l)
		}
	}
	return b.String()
}
