// Package horizon implements the typed packet bus: a persistent packet state
// machine with TTL, retry/backoff, dead-letter and ACK dedupe, dispatched
// through pluggable adapters.
package horizon

import (
	"fmt"

	"github.com/opsmgr/control-plane/engine/models"
)

// allowedTransitions is the packet FSM. Any pair not listed is a hard error.
var allowedTransitions = map[models.HorizonStatus][]models.HorizonStatus{
	models.HorizonQueued:       {models.HorizonDispatched, models.HorizonDeadLetter},
	models.HorizonDispatched:   {models.HorizonAcknowledged, models.HorizonEscalated, models.HorizonDeadLetter},
	models.HorizonAcknowledged: {models.HorizonInProgress, models.HorizonDeadLetter},
	models.HorizonInProgress:   {models.HorizonCompleted, models.HorizonEscalated, models.HorizonDeadLetter},
	models.HorizonCompleted:    {},
	models.HorizonEscalated:    {models.HorizonDispatched},
}

// TransitionError names the rejected source and target states.
type TransitionError struct {
	From models.HorizonStatus
	To   models.HorizonStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("horizon packet transition %s -> %s is not allowed", e.From, e.To)
}

// CanTransition reports whether from -> to appears in the FSM table.
func CanTransition(from, to models.HorizonStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s names an FSM state.
func ValidStatus(s models.HorizonStatus) bool {
	switch s {
	case models.HorizonQueued, models.HorizonDispatched, models.HorizonAcknowledged,
		models.HorizonInProgress, models.HorizonCompleted, models.HorizonEscalated,
		models.HorizonDeadLetter:
		return true
	}
	return false
}
