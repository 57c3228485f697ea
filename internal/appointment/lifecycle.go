package appointment

import "fmt"

type Action string

const (
	ActionIssueToken Action = "issue_token"
	ActionCall       Action = "call"
	ActionFinish     Action = "finish"
	ActionCancel     Action = "cancel"
)

var transitions = map[Status]map[Action]Status{
	StatusScheduled: {
		ActionIssueToken: StatusTokenIssued,
		ActionCancel:     StatusCancelled,
	},
	StatusTokenIssued: {
		ActionCall:   StatusInProgress,
		ActionCancel: StatusCancelled,
	},
	StatusInProgress: {
		ActionFinish: StatusCompleted,
		ActionCancel: StatusCancelled,
	},
}

// Target returns the status reached by applying action in status from.
func Target(from Status, action Action) (Status, error) {
	to, ok := transitions[from][action]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s an appointment that is %s", ErrIllegalTransition, action, from)
	}
	return to, nil
}

func CanTransition(from, to Status) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Sources lists, in lifecycle order, the statuses from which action is legal.
// Conditional writes use it as their guard.
func Sources(action Action) []Status {
	var out []Status
	for _, st := range allStatuses {
		if _, ok := transitions[st][action]; ok {
			out = append(out, st)
		}
	}
	return out
}
