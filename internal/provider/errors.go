package provider

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrTransport means the control plane could not be reached or did not
	// answer in time. The call may or may not have taken effect unless the
	// error also reports NotSent.
	ErrTransport = errors.New("transport failure")
	// ErrNotSent accompanies ErrTransport when the request certainly never
	// left this process.
	ErrNotSent = errors.New("request not sent")
	// ErrRejected means the control plane answered and refused the call.
	ErrRejected     = errors.New("rejected by control plane")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// Error describes a failed control plane call.
type Error struct {
	Op      string
	Cluster string
	Kind    error
	// NotSent is true when the request certainly never reached the
	// control plane.
	NotSent bool
	Err     error
}

func (e *Error) Error() string {
	target := e.Op
	if e.Cluster != "" {
		target = fmt.Sprintf("%s %s", e.Op, e.Cluster)
	}
	return fmt.Sprintf("%s: %v: %v", target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind || (e.NotSent && target == ErrNotSent)
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// NotSent reports whether err proves the request was never delivered.
func NotSent(err error) bool { return errors.Is(err, ErrNotSent) }

// normalize maps a gRPC failure to an Error. delivered reports whether the
// call was handed to a connection; gRPC records the peer only once a
// stream exists, so an Unavailable without one was refused locally and
// never reached the control plane.
func normalize(op, cluster string, delivered bool, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Op: op, Cluster: cluster, Err: err}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.Kind = ErrTransport
		return e
	}
	st, ok := status.FromError(err)
	if !ok {
		e.Kind = ErrTransport
		return e
	}
	e.Err = errors.New(st.Message())
	switch st.Code() {
	case codes.Unavailable:
		e.Kind = ErrTransport
		e.NotSent = !delivered
	case codes.DeadlineExceeded, codes.Canceled, codes.Aborted, codes.ResourceExhausted:
		e.Kind = ErrTransport
	case codes.Unauthenticated, codes.PermissionDenied:
		e.Kind = ErrUnauthorized
	case codes.NotFound:
		e.Kind = ErrNotFound
	case codes.AlreadyExists:
		e.Kind = ErrConflict
	default:
		e.Kind = ErrRejected
	}
	return e
}
