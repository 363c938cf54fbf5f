package policy

import (
	"log/slog"
)

// Action is what the gate does with a request.
type Action string

const (
	ActionChallenge Action = "CHALLENGE"
	ActionPass      Action = "PASS"
)

// CheckResult is the outcome of matching a request against the policy.
type CheckResult struct {
	// Location is the name of the matching location, or "" if none matched.
	Location string
	Action   Action
}

func (cr CheckResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("location", cr.Location),
		slog.String("action", string(cr.Action)),
	)
}
