package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
)

// IncidentsOptions holds flags for the incidents command.
type IncidentsOptions struct {
	*RootOptions
	Facility string
	All      bool
}

// NewIncidentsCommand creates the incidents command.
func NewIncidentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IncidentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List open incidents",
		Long: `List incidents that are not resolved or closed, oldest first.

Examples:
  coldtrace incidents
  coldtrace incidents --facility depot-north
  coldtrace incidents --all --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Facility, "facility", "", "only incidents of this facility")
	cmd.Flags().BoolVar(&opts.All, "all", false, "include resolved and closed incidents")

	return cmd
}

func runIncidents(opts *IncidentsOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := context.Background()

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	var incidents []record.Incident
	if opts.All {
		incidents, err = a.engine.ListIncidents(ctx, store.IncidentQuery{FacilityID: opts.Facility})
	} else {
		incidents, err = a.engine.GetOpenIncidents(ctx, opts.Facility)
	}
	if err != nil {
		return formatter.Fail("failed to list incidents", err)
	}

	return formatter.Render(incidents, func(w io.Writer) {
		if len(incidents) == 0 {
			fmt.Fprintln(w, "No open incidents.")
			return
		}
		for _, inc := range incidents {
			writeIncident(w, inc)
		}
	})
}

// writeIncident renders one incident as a short block.
func writeIncident(w io.Writer, inc record.Incident) {
	fmt.Fprintf(w, "%s  %s  %s  %s  severity %s  v%d\n",
		inc.ID, inc.FacilityID, inc.Type, inc.State, inc.Severity.Level, inc.Version)
	fmt.Fprintf(w, "  opened %s, %d deviation(s)\n", inc.OpenedAt.Format(time.RFC3339), len(inc.DeviationIDs))
	if inc.RootCause != "" {
		fmt.Fprintf(w, "  root cause: %s\n", inc.RootCause)
	}
	if inc.CorrectiveActionPlan != "" {
		fmt.Fprintf(w, "  corrective action: %s\n", inc.CorrectiveActionPlan)
	}
	for _, m := range inc.PreventiveMeasures {
		fmt.Fprintf(w, "  preventive: %s\n", m)
	}
}
