// Package lifecycle is the authority over cluster lifecycle actions. It
// validates each action against the transition table, admits it against
// quota, issues it to the provider exactly once and hands it to a
// per-cluster reconciliation that watches the provider until the action
// settles.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Stars1233/memori/internal/admission"
	"github.com/Stars1233/memori/internal/models"
	"github.com/Stars1233/memori/internal/provider"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Provider is the remote cluster API.
type Provider interface {
	Create(ctx context.Context, req provider.Request) (models.LifecycleState, error)
	Start(ctx context.Context, req provider.Request) (models.LifecycleState, error)
	Stop(ctx context.Context, req provider.Request) (models.LifecycleState, error)
	Destroy(ctx context.Context, req provider.Request) (models.LifecycleState, error)
	Describe(ctx context.Context, name string) (models.Cluster, error)
	// IdempotentReplays reports whether a create or start may be sent again
	// with the same token without duplicating its effect.
	IdempotentReplays() bool
}

// Admitter decides whether an action fits the account's quota.
type Admitter interface {
	Check(ctx context.Context, accountID string, action models.LifecycleAction) (models.QuotaDecision, error)
}

// SnapshotStore keeps cached cluster records across restarts.
type SnapshotStore interface {
	SaveCluster(ctx context.Context, c *models.Cluster) error
	ListClusters(ctx context.Context) ([]*models.Cluster, error)
	DeleteCluster(ctx context.Context, name string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

const DefaultEventSubject = "memori.clusters.events"

// Options configure a Manager. Zero values take the defaults below.
type Options struct {
	Admission Admitter
	Store     SnapshotStore
	Publisher EventPublisher
	// EventSubject is where state changes are published.
	EventSubject string

	// Freshness is how long a cached state is trusted before Issue
	// describes the cluster again.
	Freshness time.Duration
	// Deadline bounds each reconciliation.
	Deadline time.Duration
	// CallTimeout bounds every single provider call.
	CallTimeout time.Duration
	// Retry paces retries of a failed mutating or describe call. Steps is
	// the maximum number of attempts.
	Retry wait.Backoff
	// Poll paces reconciliation polls.
	Poll wait.Backoff
	// PollRetries is how often a failed poll is retried in place.
	PollRetries    int
	PollRetryDelay time.Duration
	// MaxPollFailures consecutive failed polls abort a reconciliation.
	MaxPollFailures int

	Registerer prometheus.Registerer
	Logger     *zap.SugaredLogger
}

func (o *Options) setDefaults() {
	if o.EventSubject == "" {
		o.EventSubject = DefaultEventSubject
	}
	if o.Freshness <= 0 {
		o.Freshness = 5 * time.Second
	}
	if o.Deadline <= 0 {
		o.Deadline = 20 * time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Retry.Steps <= 0 {
		o.Retry = wait.Backoff{Duration: 500 * time.Millisecond, Factor: 2, Steps: 5, Cap: 8 * time.Second}
	}
	if o.Poll.Duration <= 0 {
		o.Poll = wait.Backoff{Duration: time.Second, Factor: 1.5, Steps: math.MaxInt32, Cap: 15 * time.Second}
	}
	if o.PollRetries <= 0 {
		o.PollRetries = 3
	}
	if o.PollRetryDelay <= 0 {
		o.PollRetryDelay = 250 * time.Millisecond
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = 3
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// record is the guarded cache entry of one cluster. busy is the
// per-cluster token: it is held from an accepted Issue until the
// reconciliation it started finishes, and only its holder writes view.
type record struct {
	busy atomic.Bool
	view atomic.Pointer[view]

	mu     sync.Mutex
	active *ReconciliationTask
	last   *ReconciliationTask
}

type view struct {
	cluster models.Cluster
	// trusted is false for records loaded from disk or left behind by a
	// timed-out reconciliation.
	trusted bool
}

// Manager is the cluster state machine. It is safe for concurrent use;
// actions for different clusters never wait on each other.
type Manager struct {
	provider Provider
	opts     Options
	log      *zap.SugaredLogger
	tracer   trace.Tracer
	metrics  *metrics

	mu       sync.RWMutex
	clusters map[string]*record
	closed   bool

	// ctx is the lifetime of all reconciliations.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager and loads cached snapshots from opts.Store. Loaded
// records are not trusted until the provider confirms them.
func New(ctx context.Context, p Provider, opts Options) (*Manager, error) {
	if p == nil {
		return nil, errors.New("lifecycle: provider is required")
	}
	if opts.Admission == nil {
		return nil, errors.New("lifecycle: admission gate is required")
	}
	opts.setDefaults()

	lctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider: p,
		opts:     opts,
		log:      opts.Logger,
		tracer:   otel.Tracer("github.com/Stars1233/memori/internal/lifecycle"),
		metrics:  newMetrics(opts.Registerer),
		clusters: make(map[string]*record),
		ctx:      lctx,
		cancel:   cancel,
	}

	if opts.Store != nil {
		snaps, err := opts.Store.ListClusters(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load cluster snapshots: %w", err)
		}
		for _, c := range snaps {
			rec := &record{}
			rec.view.Store(&view{cluster: *c})
			m.clusters[c.Name] = rec
		}
		m.log.Debugf("loaded %d cluster snapshots", len(snaps))
	}
	return m, nil
}

// Close stops every reconciliation and waits for them to exit. Their
// clusters are left untrusted.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Issue validates and sends one lifecycle action. For mutating verbs it
// returns the in-flight state as soon as the provider accepts the call and
// leaves completion to a background reconciliation; the cluster is
// exclusively owned by that action until the reconciliation finishes.
func (m *Manager) Issue(ctx context.Context, action models.LifecycleAction) (state models.LifecycleState, err error) {
	if action.Cluster == "" {
		return "", newError(ErrInvalidAction, action, "", errors.New("cluster name is required"))
	}
	if _, perr := models.ParseVerb(string(action.Verb)); perr != nil {
		return "", newError(ErrInvalidAction, action, "", perr)
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.issue", trace.WithAttributes(
		attribute.String("cluster", action.Cluster),
		attribute.String("verb", string(action.Verb)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("state", string(state)))
		span.End()
		m.metrics.action(string(action.Verb), result(err))
	}()

	if m.isClosed() {
		return "", newError(ErrClosed, action, "", nil)
	}
	rec := m.record(action.Cluster)
	if action.Verb == models.VerbDescribe {
		return m.describe(ctx, rec, action)
	}

	if !rec.busy.CompareAndSwap(false, true) {
		return "", newError(ErrActionInFlight, action, rec.state(), errors.New("another action is still reconciling"))
	}
	handedOff := false
	defer func() {
		if !handedOff {
			rec.busy.Store(false)
		}
	}()

	current, err := m.refresh(ctx, rec, action, false)
	if err != nil {
		return "", err
	}

	st, kind := next(current, action.Verb)
	if kind != nil {
		illegal := newError(kind, action, current, fmt.Errorf("cannot %s a cluster that is %s", action.Verb, current))
		// A caller-supplied token on a cluster already where the verb leads
		// may retry an accepted action; the provider answers it from its
		// record instead of applying it again.
		rs, ok := replayable(current, action.Verb)
		if action.Token == "" || !ok {
			return "", illegal
		}
		span.SetAttributes(attribute.String("token", action.Token), attribute.Bool("replay", true))
		accepted, err := m.send(ctx, action)
		if err != nil {
			m.untrust(rec)
			if provider.IsTransport(err) {
				return "", m.providerError(action, current, err)
			}
			illegal.Err = fmt.Errorf("%v; token %s is not a retry: %v", illegal.Err, action.Token, err)
			return "", illegal
		}
		m.log.Infof("%s %s replayed token %s, recorded %s", action.Verb, action.Cluster, action.Token, accepted)
		return m.accept(ctx, rec, action, rs, current, accepted, true, &handedOff)
	}

	if action.Verb.RequiresAdmission() {
		decision, err := m.opts.Admission.Check(ctx, action.AccountID, action)
		if err != nil {
			return "", newError(ErrQuotaCheckUnavailable, action, current, err)
		}
		if !decision.Allowed {
			return "", newError(ErrQuotaExceeded, action, current, errors.New(decision.Reason))
		}
	}

	if action.Token == "" {
		action.Token = uuid.NewString()
	}
	span.SetAttributes(attribute.String("token", action.Token))

	accepted, err := m.send(ctx, action)
	if err != nil {
		// the call may have taken effect or the provider disagrees with
		// our view; either way the next Issue must look again
		m.untrust(rec)
		return "", m.providerError(action, current, err)
	}
	return m.accept(ctx, rec, action, st, current, accepted, false, &handedOff)
}

// accept records an action the provider took and hands rec's token to a
// new reconciliation. A replay of an action that already settled keeps
// the observed state in the cache and returns the recorded one.
func (m *Manager) accept(ctx context.Context, rec *record, action models.LifecycleAction, st step, current, accepted models.LifecycleState, replay bool, handedOff *bool) (models.LifecycleState, error) {
	if !accepted.InFlight() && !replay {
		accepted = st.inFlight
	}

	snap := rec.snapshot(action.Cluster)
	snap.State = accepted
	if replay && (current == st.expected || !accepted.InFlight()) {
		snap.State = current
	}
	snap.LastError = ""
	snap.ObservedAt = time.Now()
	if action.Region != "" {
		snap.Region = action.Region
	}
	if action.Nodes > 0 {
		snap.Nodes = action.Nodes
	}
	m.store(ctx, rec, snap, true)
	m.publish(ctx, snap, action.Verb, "accepted")
	m.log.Infof("%s %s accepted (token %s), now %s", action.Verb, action.Cluster, action.Token, accepted)

	if _, err := m.launch(rec, action.Cluster, st.expected, time.Now().Add(m.opts.Deadline)); err != nil {
		return "", newError(ErrClosed, action, accepted, err)
	}
	*handedOff = true
	return accepted, nil
}

// CurrentState returns the best known state without blocking. Unknown
// clusters are Unprovisioned.
func (m *Manager) CurrentState(name string) models.LifecycleState {
	rec := m.lookup(name)
	if rec == nil {
		return models.StateUnprovisioned
	}
	return rec.state()
}

// Snapshot returns a copy of the cached record of a cluster.
func (m *Manager) Snapshot(name string) (models.Cluster, bool) {
	rec := m.lookup(name)
	if rec == nil {
		return models.Cluster{}, false
	}
	v := rec.view.Load()
	if v == nil {
		return models.Cluster{}, false
	}
	return v.cluster, true
}

// AwaitTerminal waits for the active reconciliation of name. Giving up,
// because timeout elapsed or ctx ended, fails with ErrTimeout and leaves
// the reconciliation running. Without an active reconciliation it returns
// the cached state and the outcome of the last one.
func (m *Manager) AwaitTerminal(ctx context.Context, name string, timeout time.Duration) (models.LifecycleState, error) {
	rec := m.lookup(name)
	if rec == nil {
		return models.StateUnprovisioned, nil
	}
	rec.mu.Lock()
	task, last := rec.active, rec.last
	rec.mu.Unlock()

	if task == nil {
		if last != nil {
			_, err := last.Result()
			return rec.state(), err
		}
		return rec.state(), nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-task.Done():
		return task.Result()
	case <-expired:
		return rec.state(), &Error{Kind: ErrTimeout, Cluster: name, State: rec.state(),
			Err: fmt.Errorf("still waiting for %s after %s", task.Expected, timeout)}
	case <-ctx.Done():
		return rec.state(), &Error{Kind: ErrTimeout, Cluster: name, State: rec.state(), Err: ctx.Err()}
	}
}

// describe serves the describe verb. While a reconciliation owns the
// cluster it answers from the cache.
func (m *Manager) describe(ctx context.Context, rec *record, action models.LifecycleAction) (models.LifecycleState, error) {
	if !rec.busy.CompareAndSwap(false, true) {
		return rec.state(), nil
	}
	defer rec.busy.Store(false)
	return m.refresh(ctx, rec, action, true)
}

// refresh returns the cached state, describing the cluster first when the
// cache is stale. The caller holds rec's token.
func (m *Manager) refresh(ctx context.Context, rec *record, action models.LifecycleAction, force bool) (models.LifecycleState, error) {
	if v := rec.view.Load(); !force && v != nil && v.trusted &&
		!v.cluster.State.InFlight() && time.Since(v.cluster.ObservedAt) < m.opts.Freshness {
		return v.cluster.State, nil
	}

	observed, err := m.describeWithRetry(ctx, action)
	if err != nil {
		return "", m.providerError(action, rec.state(), err)
	}
	snap := rec.snapshot(action.Cluster)
	mergeObservation(&snap, observed)
	m.store(ctx, rec, snap, true)
	return snap.State, nil
}

// send issues the mutating call, retrying transport failures when that
// cannot duplicate the effect.
func (m *Manager) send(ctx context.Context, action models.LifecycleAction) (models.LifecycleState, error) {
	req := provider.Request{Name: action.Cluster, Region: action.Region, Nodes: action.Nodes, Token: action.Token}
	var call func(context.Context, provider.Request) (models.LifecycleState, error)
	switch action.Verb {
	case models.VerbCreate:
		call = m.provider.Create
	case models.VerbStart:
		call = m.provider.Start
	case models.VerbStop:
		call = m.provider.Stop
	case models.VerbDestroy:
		call = m.provider.Destroy
	default:
		return "", fmt.Errorf("verb %s is not mutating", action.Verb)
	}

	var state models.LifecycleState
	err := m.retry(ctx, action, func(ctx context.Context) error {
		var err error
		state, err = call(ctx, req)
		return err
	}, func(err error) bool {
		return action.Verb.IdempotentSafe() || provider.NotSent(err) || m.provider.IdempotentReplays()
	})
	return state, err
}

func (m *Manager) describeWithRetry(ctx context.Context, action models.LifecycleAction) (models.Cluster, error) {
	var observed models.Cluster
	err := m.retry(ctx, action, func(ctx context.Context) error {
		var err error
		m.metrics.describes.Inc()
		observed, err = m.provider.Describe(ctx, action.Cluster)
		return err
	}, func(error) bool { return true })
	return observed, err
}

// retry runs fn with the per-call timeout until it succeeds, fails with a
// non-transport error, fails with an error safe rejects, or runs out of
// attempts.
func (m *Manager) retry(ctx context.Context, action models.LifecycleAction, fn func(context.Context) error, safe func(error) bool) error {
	backoff := m.opts.Retry
	attempts := backoff.Steps
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !provider.IsTransport(err) || !safe(err) || attempt >= attempts {
			return err
		}
		delay := backoff.Step()
		m.log.Debugf("%s %s attempt %d failed, retrying in %s: %v", action.Verb, action.Cluster, attempt, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func (m *Manager) providerError(action models.LifecycleAction, state models.LifecycleState, err error) error {
	if provider.IsTransport(err) {
		return newError(ErrTransport, action, state, err)
	}
	return newError(ErrRejected, action, state, err)
}

// store replaces the cached record and persists it. The caller holds
// rec's token.
func (m *Manager) store(ctx context.Context, rec *record, c models.Cluster, trusted bool) {
	rec.view.Store(&view{cluster: c, trusted: trusted})
	if m.opts.Store == nil {
		return
	}
	var err error
	if c.State == models.StateUnprovisioned {
		err = m.opts.Store.DeleteCluster(ctx, c.Name)
	} else {
		err = m.opts.Store.SaveCluster(ctx, &c)
	}
	if err != nil {
		m.log.Warnf("persist snapshot of %s: %v", c.Name, err)
	}
}

func (m *Manager) untrust(rec *record) {
	if v := rec.view.Load(); v != nil {
		rec.view.Store(&view{cluster: v.cluster})
	}
}

func (m *Manager) publish(ctx context.Context, c models.Cluster, verb models.Verb, event string) {
	if m.opts.Publisher == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"event":      event,
		"cluster":    c.Name,
		"verb":       verb,
		"state":      c.State,
		"last_error": c.LastError,
		"time":       time.Now().Unix(),
	})
	if err := m.opts.Publisher.Publish(ctx, m.opts.EventSubject, payload); err != nil {
		m.log.Warnf("publish %s event for %s: %v", event, c.Name, err)
	}
}

func (m *Manager) record(name string) *record {
	m.mu.RLock()
	rec, ok := m.clusters[name]
	m.mu.RUnlock()
	if ok {
		return rec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok = m.clusters[name]; !ok {
		rec = &record{}
		m.clusters[name] = rec
	}
	return rec
}

func (m *Manager) lookup(name string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clusters[name]
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (r *record) state() models.LifecycleState {
	if v := r.view.Load(); v != nil {
		return v.cluster.State
	}
	return models.StateUnprovisioned
}

// snapshot copies the cached cluster, or starts a new one for name.
func (r *record) snapshot(name string) models.Cluster {
	if v := r.view.Load(); v != nil {
		return v.cluster
	}
	return models.Cluster{Name: name, State: models.StateUnprovisioned}
}

func mergeObservation(c *models.Cluster, observed models.Cluster) {
	c.State = observed.State
	c.LastError = observed.LastError
	c.ObservedAt = observed.ObservedAt
	if c.ObservedAt.IsZero() {
		c.ObservedAt = time.Now()
	}
	if observed.Region != "" {
		c.Region = observed.Region
	}
	if observed.Nodes > 0 {
		c.Nodes = observed.Nodes
	}
}

var _ Admitter = (*admission.Gate)(nil)
