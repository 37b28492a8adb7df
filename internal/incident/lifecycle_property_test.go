package incident

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/roach88/coldtrace/internal/record"
)

// Any sequence of requested transitions either advances along an allowed
// edge with exactly one audit entry, or is rejected and leaves the incident
// untouched. Terminal states absorb every further transition.
func TestTransition_Property_StateMachine(t *testing.T) {
	actions := []record.AuditAction{
		record.ActionBeginInvestigation,
		record.ActionPlanCorrectiveAction,
		record.ActionResolve,
		record.ActionCloseWithoutAction,
	}

	rapid.Check(t, func(t *rapid.T) {
		inc, _, err := OpenFromDeviation("inc-p", deviation("dev-p", 0), at)
		if err != nil {
			t.Fatal(err)
		}

		var audit []record.AuditEntry
		steps := rapid.IntRange(1, 12).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom(actions).Draw(t, "action")
			note := rapid.SampledFrom([]string{"", "note"}).Draw(t, "note")
			allowed := permits(edges[action], inc.State)

			next, entry, err := Transition(inc, TransitionRequest{Action: action, Actor: "qa", Note: note}, at)
			if err != nil {
				if !IsInvalidTransition(err) {
					t.Fatalf("unexpected error type: %v", err)
				}
				if allowed && note != "" {
					t.Fatalf("%s from %s rejected: %v", action, inc.State, err)
				}
				if next.State != inc.State || next.Version != inc.Version {
					t.Fatalf("rejected step mutated incident")
				}
				continue
			}

			if !allowed {
				t.Fatalf("%s accepted from %s", action, inc.State)
			}
			if inc.State.Terminal() {
				t.Fatalf("transition out of terminal state %s", inc.State)
			}
			if entry.FromState != inc.State || entry.ToState != next.State {
				t.Fatalf("audit entry %s->%s does not match step %s->%s",
					entry.FromState, entry.ToState, inc.State, next.State)
			}
			audit = append(audit, entry)
			inc = next
		}

		if inc.Version != len(audit)+1 {
			t.Fatalf("version %d after %d audited steps", inc.Version, len(audit))
		}
	})
}
