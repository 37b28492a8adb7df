package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/coldtrace/internal/engine"
)

// TransitionOptions holds flags for the transition command.
type TransitionOptions struct {
	*RootOptions
	Actor    string
	Note     string
	Measures []string
}

// NewTransitionCommand creates the transition command.
func NewTransitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransitionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transition <incident-id> <action>",
		Short: "Move an incident through its lifecycle",
		Long: `Apply a lifecycle transition to an incident.

Actions:
  begin_investigation      open -> investigating
  plan_corrective_action   investigating -> corrective_action_planned
  resolve                  corrective_action_planned -> resolved
  close_without_action     open or investigating -> closed_without_action

Every transition needs an actor and a note; both are kept in the audit
trail.

Exit codes:
  0 - Transition applied
  1 - Transition rejected (invalid transition, unknown incident, conflict)
  2 - Command error

Examples:
  coldtrace transition 0190a1b2-... begin_investigation --actor qa.lead --note "door left open"
  coldtrace transition 0190a1b2-... plan_corrective_action --actor qa.lead \
      --note "replace door seal" --measure "weekly seal inspection"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who performs the transition (required)")
	_ = cmd.MarkFlagRequired("actor")
	cmd.Flags().StringVar(&opts.Note, "note", "", "justification recorded in the audit trail (required)")
	_ = cmd.MarkFlagRequired("note")
	cmd.Flags().StringArrayVar(&opts.Measures, "measure", nil, "preventive measure (repeatable)")

	return cmd
}

func runTransition(opts *TransitionOptions, incidentID, action string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := context.Background()

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	inc, err := a.engine.TransitionIncident(ctx, engine.TransitionInput{
		IncidentID:         incidentID,
		Transition:         action,
		Actor:              opts.Actor,
		Note:               opts.Note,
		PreventiveMeasures: opts.Measures,
	})
	if err != nil {
		return formatter.Fail("transition rejected", err)
	}

	return formatter.Render(inc, func(w io.Writer) {
		writeIncident(w, inc)
	})
}
