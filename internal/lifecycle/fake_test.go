package lifecycle

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/Stars1233/memori/internal/models"
	"github.com/Stars1233/memori/internal/provider"
	"k8s.io/apimachinery/pkg/util/wait"
)

type fault struct {
	err error
	// applied means the provider acted on the request before the error,
	// like a response lost on the way back.
	applied bool
}

type pending struct {
	target    models.LifecycleState
	remaining int
	lastError string
}

// fakeProvider is a scripted provider. Mutating calls move a cluster to
// its in-flight state and schedule the terminal state after settleAfter
// further describes.
type fakeProvider struct {
	mu          sync.Mutex
	states      map[string]models.LifecycleState
	pending     map[string]*pending
	tokens      map[string]models.LifecycleState
	faults      map[string][]fault
	calls       map[string]int
	settleAfter int
	failWith    string
	replays     bool
	created     int
	// hang makes Describe block until its context ends.
	hang bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		states:  make(map[string]models.LifecycleState),
		pending: make(map[string]*pending),
		tokens:  make(map[string]models.LifecycleState),
		faults:  make(map[string][]fault),
		calls:   make(map[string]int),
	}
}

var errUnreachable = &provider.Error{Op: "call", Kind: provider.ErrTransport, Err: errors.New("connection reset")}

var errNotSent = &provider.Error{Op: "call", Kind: provider.ErrTransport, NotSent: true, Err: errors.New("connection refused")}

func (f *fakeProvider) set(name string, st models.LifecycleState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = st
	delete(f.pending, name)
}

func (f *fakeProvider) inject(op string, faults ...fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], faults...)
}

func (f *fakeProvider) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["create"] + f.calls["start"] + f.calls["stop"] + f.calls["destroy"]
}

func (f *fakeProvider) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func (f *fakeProvider) nextFault(op string) (fault, bool) {
	q := f.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	f.faults[op] = q[1:]
	return q[0], true
}

func (f *fakeProvider) mutate(op string, req provider.Request, from []models.LifecycleState, inFlight, target models.LifecycleState) (models.LifecycleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++

	if st, ok := f.tokens[req.Token]; ok {
		return st, nil
	}
	flt, hasFault := f.nextFault(op)
	if hasFault && !flt.applied {
		return "", flt.err
	}

	cur, ok := f.states[req.Name]
	if !ok {
		cur = models.StateUnprovisioned
	}
	legal := false
	for _, s := range from {
		if s == cur {
			legal = true
		}
	}
	if !legal {
		return "", &provider.Error{Op: op, Cluster: req.Name, Kind: provider.ErrRejected, Err: errors.New("illegal in " + string(cur))}
	}
	if op == "create" {
		f.created++
	}
	f.states[req.Name] = inFlight
	p := &pending{target: target, remaining: f.settleAfter}
	if f.failWith != "" {
		p.target, p.lastError = models.StateFailed, f.failWith
	}
	f.pending[req.Name] = p
	f.tokens[req.Token] = inFlight

	if hasFault {
		return "", flt.err
	}
	return inFlight, nil
}

func (f *fakeProvider) Create(ctx context.Context, req provider.Request) (models.LifecycleState, error) {
	return f.mutate("create", req, []models.LifecycleState{models.StateUnprovisioned}, models.StateProvisioning, models.StateRunning)
}

func (f *fakeProvider) Start(ctx context.Context, req provider.Request) (models.LifecycleState, error) {
	return f.mutate("start", req, []models.LifecycleState{models.StateStopped, models.StateFailed, models.StateDegraded}, models.StateStarting, models.StateRunning)
}

func (f *fakeProvider) Stop(ctx context.Context, req provider.Request) (models.LifecycleState, error) {
	return f.mutate("stop", req, []models.LifecycleState{models.StateRunning, models.StateFailed, models.StateDegraded}, models.StateStopping, models.StateStopped)
}

func (f *fakeProvider) Destroy(ctx context.Context, req provider.Request) (models.LifecycleState, error) {
	return f.mutate("destroy", req, []models.LifecycleState{models.StateRunning, models.StateStopped, models.StateFailed, models.StateDegraded}, models.StateStopping, models.StateUnprovisioned)
}

func (f *fakeProvider) hangDescribes(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang = on
}

func (f *fakeProvider) Describe(ctx context.Context, name string) (models.Cluster, error) {
	f.mu.Lock()
	f.calls["describe"]++
	if f.hang {
		f.mu.Unlock()
		<-ctx.Done()
		return models.Cluster{}, &provider.Error{Op: "describe", Cluster: name, Kind: provider.ErrTransport, Err: ctx.Err()}
	}
	defer f.mu.Unlock()
	if flt, ok := f.nextFault("describe"); ok {
		return models.Cluster{}, flt.err
	}

	c := models.Cluster{Name: name, ObservedAt: time.Now()}
	if p, ok := f.pending[name]; ok {
		if p.remaining == 0 {
			f.states[name] = p.target
			c.LastError = p.lastError
			delete(f.pending, name)
		} else {
			p.remaining--
		}
	}
	st, ok := f.states[name]
	if !ok || st == models.StateUnprovisioned {
		delete(f.states, name)
		st = models.StateUnprovisioned
	}
	c.State = st
	return c, nil
}

func (f *fakeProvider) IdempotentReplays() bool { return f.replays }

type allowAll struct{}

func (allowAll) Check(ctx context.Context, accountID string, action models.LifecycleAction) (models.QuotaDecision, error) {
	return models.QuotaDecision{Allowed: true}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func fastOptions() Options {
	return Options{
		Admission:      allowAll{},
		Freshness:      time.Hour,
		Deadline:       5 * time.Second,
		CallTimeout:    time.Second,
		Retry:          wait.Backoff{Duration: time.Millisecond, Factor: 2, Steps: 5, Cap: 8 * time.Millisecond},
		Poll:           wait.Backoff{Duration: 5 * time.Millisecond, Factor: 1.5, Steps: math.MaxInt32, Cap: 20 * time.Millisecond},
		PollRetryDelay: time.Millisecond,
	}
}
