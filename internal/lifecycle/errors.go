package lifecycle

import (
	"errors"
	"fmt"

	"github.com/Stars1233/memori/internal/models"
)

// Error kinds returned by the Manager. Every error the Manager returns is
// an *Error whose Kind is one of these.
var (
	ErrInvalidAction      = errors.New("invalid action")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrActionInFlight     = errors.New("action in flight")
	ErrReconciliationBusy = errors.New("reconciliation busy")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	// ErrQuotaCheckUnavailable denies the action because quota could not
	// be verified.
	ErrQuotaCheckUnavailable = errors.New("quota check unavailable")
	ErrTransport             = errors.New("transport error")
	ErrRejected              = errors.New("rejected by provider")
	ErrRemoteFailure         = errors.New("remote failure")
	// ErrTimeout leaves the cluster in its last observed state, which is
	// not trusted until described again.
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("lifecycle manager closed")
)

type Error struct {
	Kind    error
	Cluster string
	Verb    models.Verb
	// State is the best known state when the error was produced.
	State models.LifecycleState
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Verb != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Verb, e.Cluster, msg)
	} else if e.Cluster != "" {
		msg = fmt.Sprintf("%s: %s", e.Cluster, msg)
	}
	if e.State != "" {
		msg = fmt.Sprintf("%s (state %s)", msg, e.State)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// KindOf returns the kind of a Manager error, or nil if err did not come
// from the Manager.
func KindOf(err error) error {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return nil
}

func newError(kind error, action models.LifecycleAction, state models.LifecycleState, err error) *Error {
	return &Error{Kind: kind, Cluster: action.Cluster, Verb: action.Verb, State: state, Err: err}
}
