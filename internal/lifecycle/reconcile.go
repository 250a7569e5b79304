package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Stars1233/memori/internal/models"
	"github.com/Stars1233/memori/internal/provider"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReconciliationTask watches one cluster until it reaches Expected, fails,
// or Deadline passes.
type ReconciliationTask struct {
	Cluster  string
	Expected models.LifecycleState
	Deadline time.Time

	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	interval time.Duration
	attempts int
	state    models.LifecycleState
	err      error
}

// Done is closed when the task has finished and released its cluster.
func (t *ReconciliationTask) Done() <-chan struct{} { return t.done }

// Result returns the final observed state and error. It is only
// meaningful after Done is closed.
func (t *ReconciliationTask) Result() (models.LifecycleState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

// Attempts is the number of polls made so far.
func (t *ReconciliationTask) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Interval is the wait before the next poll.
func (t *ReconciliationTask) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *ReconciliationTask) poll(next time.Duration) {
	t.mu.Lock()
	t.attempts++
	t.interval = next
	t.mu.Unlock()
}

// Reconcile starts watching name until it reaches expected or deadline
// passes. It fails with ErrReconciliationBusy while the cluster is owned
// by another action or reconciliation.
func (m *Manager) Reconcile(name string, expected models.LifecycleState, deadline time.Time) (*ReconciliationTask, error) {
	if name == "" {
		return nil, &Error{Kind: ErrInvalidAction, Err: errors.New("cluster name is required")}
	}
	rec := m.record(name)
	if !rec.busy.CompareAndSwap(false, true) {
		return nil, &Error{Kind: ErrReconciliationBusy, Cluster: name, State: rec.state()}
	}
	task, err := m.launch(rec, name, expected, deadline)
	if err != nil {
		rec.busy.Store(false)
		return nil, &Error{Kind: ErrClosed, Cluster: name, Err: err}
	}
	return task, nil
}

// launch starts the poller for a cluster whose token the caller holds.
// The token passes to the poller, which releases it when it finishes.
func (m *Manager) launch(rec *record, name string, expected models.LifecycleState, deadline time.Time) (*ReconciliationTask, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	task := &ReconciliationTask{
		Cluster:  name,
		Expected: expected,
		Deadline: deadline,
		started:  time.Now(),
		done:     make(chan struct{}),
		interval: m.opts.Poll.Duration,
	}
	rec.mu.Lock()
	rec.active = task
	rec.mu.Unlock()

	m.metrics.active.Inc()
	go m.run(rec, task)
	return task, nil
}

func (m *Manager) run(rec *record, task *ReconciliationTask) {
	defer m.wg.Done()
	ctx, span := m.tracer.Start(m.ctx, "lifecycle.reconcile", trace.WithAttributes(
		attribute.String("cluster", task.Cluster),
		attribute.String("expected", string(task.Expected)),
	))

	state, err := m.reconcile(ctx, rec, task)

	task.mu.Lock()
	task.state, task.err = state, err
	attempts := task.attempts
	task.mu.Unlock()

	span.SetAttributes(attribute.String("state", string(state)), attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.log.Warnf("reconcile %s: %v", task.Cluster, err)
	} else {
		m.log.Infof("cluster %s reached %s after %d polls", task.Cluster, state, attempts)
	}
	span.End()

	if snap, ok := m.Snapshot(task.Cluster); ok {
		m.publish(ctx, snap, "", "reconciled")
	}
	m.metrics.active.Dec()
	m.metrics.reconciled(result(err), task.started)

	rec.mu.Lock()
	rec.active = nil
	rec.last = task
	rec.mu.Unlock()
	rec.busy.Store(false)
	close(task.done)
}

// reconcile polls the provider at growing intervals until the task
// settles. It holds rec's token throughout.
func (m *Manager) reconcile(ctx context.Context, rec *record, task *ReconciliationTask) (models.LifecycleState, error) {
	backoff := m.opts.Poll
	failures := 0
	fail := func(kind, err error) (models.LifecycleState, error) {
		return rec.state(), &Error{Kind: kind, Cluster: task.Cluster, State: rec.state(), Err: err}
	}

	for {
		delay := backoff.Step()
		if remaining := time.Until(task.Deadline); remaining < delay {
			if remaining > 0 && !sleep(ctx, remaining) {
				m.untrust(rec)
				return fail(ErrTimeout, ctx.Err())
			}
			m.untrust(rec)
			return fail(ErrTimeout, fmt.Errorf("%s not reached by %s", task.Expected, task.Deadline.Format(time.RFC3339)))
		}
		if !sleep(ctx, delay) {
			m.untrust(rec)
			return fail(ErrTimeout, ctx.Err())
		}

		task.poll(backoff.Duration)
		observed, err := m.pollOnce(ctx, task)
		if err != nil {
			if !provider.IsTransport(err) {
				m.untrust(rec)
				return fail(ErrRejected, err)
			}
			if !time.Now().Before(task.Deadline) {
				m.untrust(rec)
				return fail(ErrTimeout, err)
			}
			failures++
			if failures >= m.opts.MaxPollFailures {
				m.untrust(rec)
				return fail(ErrTransport, fmt.Errorf("%d consecutive polls failed: %w", failures, err))
			}
			continue
		}
		failures = 0

		snap := rec.snapshot(task.Cluster)
		mergeObservation(&snap, observed)
		m.store(ctx, rec, snap, true)

		switch {
		case snap.State == task.Expected:
			return snap.State, nil
		case snap.State.Failure():
			diag := errors.New("provider reported failure")
			if snap.LastError != "" {
				diag = errors.New(snap.LastError)
			}
			return fail(ErrRemoteFailure, diag)
		}
	}
}

// pollOnce describes the cluster, retrying transport failures in place.
// Every call is bounded by the call timeout and the task deadline.
func (m *Manager) pollOnce(ctx context.Context, task *ReconciliationTask) (models.Cluster, error) {
	var lastErr error
	for i := 0; i <= m.opts.PollRetries; i++ {
		if i > 0 && !time.Now().Before(task.Deadline) {
			break
		}
		if i > 0 && !sleep(ctx, m.opts.PollRetryDelay) {
			return models.Cluster{}, &provider.Error{Op: "describe", Cluster: task.Cluster, Kind: provider.ErrTransport, Err: ctx.Err()}
		}
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		if d, ok := callCtx.Deadline(); !ok || d.After(task.Deadline) {
			cancel()
			callCtx, cancel = context.WithDeadline(ctx, task.Deadline)
		}
		m.metrics.describes.Inc()
		observed, err := m.provider.Describe(callCtx, task.Cluster)
		cancel()
		if err == nil {
			return observed, nil
		}
		if !provider.IsTransport(err) {
			return models.Cluster{}, err
		}
		lastErr = err
	}
	return models.Cluster{}, lastErr
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
