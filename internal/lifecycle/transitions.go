package lifecycle

import (
	"github.com/Stars1233/memori/internal/models"
)

// step is a legal move: the state a verb enters immediately and the state
// reconciliation waits for.
type step struct {
	inFlight models.LifecycleState
	expected models.LifecycleState
}

var (
	createStep  = step{models.StateProvisioning, models.StateRunning}
	startStep   = step{models.StateStarting, models.StateRunning}
	stopStep    = step{models.StateStopping, models.StateStopped}
	destroyStep = step{models.StateStopping, models.StateUnprovisioned}
)

var transitions = map[models.LifecycleState]map[models.Verb]step{
	models.StateUnprovisioned: {
		models.VerbCreate: createStep,
	},
	models.StateStopped: {
		models.VerbStart:   startStep,
		models.VerbDestroy: destroyStep,
	},
	models.StateRunning: {
		models.VerbStop:    stopStep,
		models.VerbDestroy: destroyStep,
	},
	models.StateFailed: {
		models.VerbStart:   startStep,
		models.VerbStop:    stopStep,
		models.VerbDestroy: destroyStep,
	},
	models.StateDegraded: {
		models.VerbStart:   startStep,
		models.VerbStop:    stopStep,
		models.VerbDestroy: destroyStep,
	},
}

// next validates verb against from and returns the error kind when it is
// illegal. destroy is refused with ErrActionInFlight while the provider
// reports an in-flight state.
func next(from models.LifecycleState, verb models.Verb) (step, error) {
	if from.InFlight() && verb == models.VerbDestroy {
		return step{}, ErrActionInFlight
	}
	s, ok := transitions[from][verb]
	if !ok {
		return step{}, ErrInvalidTransition
	}
	return s, nil
}

// Legal reports whether verb may be issued from state.
func Legal(from models.LifecycleState, verb models.Verb) bool {
	_, err := next(from, verb)
	return err == nil
}

var steps = map[models.Verb]step{
	models.VerbCreate:  createStep,
	models.VerbStart:   startStep,
	models.VerbStop:    stopStep,
	models.VerbDestroy: destroyStep,
}

// replayable reports whether from is where an accepted verb leaves a
// cluster, either still in flight or settled.
func replayable(from models.LifecycleState, verb models.Verb) (step, bool) {
	s, ok := steps[verb]
	if !ok {
		return step{}, false
	}
	return s, from == s.inFlight || from == s.expected
}
