// Per-user violation counter and one-shot final-warning flag.
package escalation

import (
	"context"
)

// Number of violations after which a user receives a final warning.
const DefaultFinalWarningAfter = 5

type State struct {
	Violations int
	Warned     bool
}

// Tracks violation state per pseudonymous user. Every method is atomic for a
// single key; callers never need their own lock around a single call.
type Tracker interface {
	// increments and returns the post-increment count. First call for an unseen key returns 1.
	RecordViolation(ctx context.Context, userHash string) (int, error)
	// flips warned to true. Returns true only for the call which performed the transition.
	MarkWarned(ctx context.Context, userHash string) (bool, error)
	HasBeenWarned(ctx context.Context, userHash string) (bool, error)
	Get(ctx context.Context, userHash string) (State, error)
}

// ShouldFinalWarn reports whether a user in this state is due a final warning.
func ShouldFinalWarn(st State, after int) bool {
	return !st.Warned && st.Violations > after
}
