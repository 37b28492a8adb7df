package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/record"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
}

// AuditResult is an incident with its audit trail and linked deviations.
type AuditResult struct {
	Incident   record.Incident         `json:"incident"`
	Trail      []record.AuditEntry     `json:"trail"`
	Deviations []record.DeviationEvent `json:"deviations"`
	Stats      AuditStats              `json:"stats"`
}

// AuditStats holds summary figures for an incident.
type AuditStats struct {
	Entries    int    `json:"entries"`
	Actors     int    `json:"actors"`
	Open       string `json:"open_for"` // time from opening to resolution, or to now
	IsTerminal bool   `json:"is_terminal"`
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit <incident-id>",
		Short: "Show the audit trail of an incident",
		Long: `Show an incident, every lifecycle step recorded for it in order, and the
deviations it covers.

Examples:
  coldtrace audit 0190a1b2-...
  coldtrace audit 0190a1b2-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, args[0], cmd)
		},
	}
	return cmd
}

func runAudit(opts *AuditOptions, incidentID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := context.Background()

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	inc, err := a.engine.GetIncident(ctx, incidentID)
	if err != nil {
		return formatter.Fail("failed to read incident", err)
	}
	trail, err := a.engine.AuditTrail(ctx, incidentID)
	if err != nil {
		return formatter.Fail("failed to read audit trail", err)
	}

	deviations := make([]record.DeviationEvent, 0, len(inc.DeviationIDs))
	for _, id := range inc.DeviationIDs {
		ev, err := a.store.ReadDeviation(ctx, id)
		if err != nil {
			return formatter.Fail(fmt.Sprintf("failed to read deviation %s", id), err)
		}
		deviations = append(deviations, ev)
	}

	result := AuditResult{
		Incident:   inc,
		Trail:      trail,
		Deviations: deviations,
		Stats:      auditStats(inc, trail, time.Now().UTC()),
	}

	return formatter.Render(result, func(w io.Writer) {
		writeAudit(w, result, opts.Verbose)
	})
}

func auditStats(inc record.Incident, trail []record.AuditEntry, now time.Time) AuditStats {
	actors := make(map[string]bool)
	for _, e := range trail {
		actors[e.Actor] = true
	}
	end := now
	switch {
	case inc.ResolvedAt != nil:
		end = *inc.ResolvedAt
	case inc.ClosedAt != nil:
		end = *inc.ClosedAt
	}
	return AuditStats{
		Entries:    len(trail),
		Actors:     len(actors),
		Open:       end.Sub(inc.OpenedAt).Round(time.Second).String(),
		IsTerminal: inc.State.Terminal(),
	}
}

func writeAudit(w io.Writer, result AuditResult, verbose bool) {
	inc := result.Incident
	fmt.Fprintf(w, "Incident: %s\n", inc.ID)
	fmt.Fprintf(w, "Facility: %s  Type: %s  Severity: %s\n", inc.FacilityID, inc.Type, inc.Severity.Level)
	fmt.Fprintf(w, "State: %s (version %d)\n", inc.State, inc.Version)
	if inc.ManualJustification != "" {
		fmt.Fprintf(w, "Justification: %s\n", inc.ManualJustification)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Trail ===")
	if len(result.Trail) == 0 {
		fmt.Fprintln(w, "  (no entries)")
	}
	for _, e := range result.Trail {
		fmt.Fprintf(w, "  [%d] %s %s", e.Seq, e.At.Format(time.RFC3339), e.Action)
		if e.FromState != e.ToState {
			fmt.Fprintf(w, " %s -> %s", displayState(e.FromState), e.ToState)
		}
		fmt.Fprintf(w, " by %s\n", e.Actor)
		if e.Note != "" {
			fmt.Fprintf(w, "       %s\n", e.Note)
		}
		if verbose {
			fmt.Fprintf(w, "       ID: %s\n", truncateID(e.ID))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Deviations ===")
	if len(result.Deviations) == 0 {
		fmt.Fprintln(w, "  (none linked)")
	}
	for _, ev := range result.Deviations {
		fmt.Fprintf(w, "  %s\n", describeDeviation(ev))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Entries:  %d\n", result.Stats.Entries)
	fmt.Fprintf(w, "  Actors:   %d\n", result.Stats.Actors)
	fmt.Fprintf(w, "  Open for: %s\n", result.Stats.Open)
}

func displayState(s record.IncidentState) string {
	if s == "" {
		return "(new)"
	}
	return string(s)
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
