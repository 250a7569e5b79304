package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Stars1233/memori/internal/models"
	"github.com/Stars1233/memori/internal/proto"
	"github.com/Stars1233/memori/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// EventsSubject is where cluster transitions are published.
const EventsSubject = "clusters.events"

const (
	DefaultRegion       = "us-east1"
	DefaultNodes        = 3
	DefaultClusterLimit = 3
)

// Publisher delivers cluster events; the NATS publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Options tune the simulated provider.
type Options struct {
	// ProvisionDelay is how long a cluster stays Provisioning.
	ProvisionDelay time.Duration
	// TransitionDelay is how long start, stop and destroy take.
	TransitionDelay time.Duration
	ClusterLimit    int
	Publisher       Publisher
	Registerer      prometheus.Registerer
	Logger          *zap.SugaredLogger
}

// Server implements the control-plane service and orchestrates cluster FSMs.
type Server struct {
	store   storage.Store
	opts    Options
	log     *zap.SugaredLogger
	chaos   *Chaos
	metrics *metrics

	mu sync.RWMutex
	// in-memory cache of clusters to avoid hot DB on reads; persisted in store.
	cache map[string]*models.Cluster
	// operations mutex per cluster name
	opMu sync.Map
	// quota mutex per account, taken before a cluster's op lock
	acctMu sync.Map

	done chan struct{}
	wg   sync.WaitGroup
}

var _ proto.ControlPlaneServer = (*Server)(nil)

// New creates a new server instance.
func New(store storage.Store, opts Options) *Server {
	if opts.ProvisionDelay <= 0 {
		opts.ProvisionDelay = 3 * time.Second
	}
	if opts.TransitionDelay <= 0 {
		opts.TransitionDelay = 2 * time.Second
	}
	if opts.ClusterLimit <= 0 {
		opts.ClusterLimit = DefaultClusterLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		store:   store,
		opts:    opts,
		log:     logger,
		chaos:   NewChaos(),
		metrics: newMetrics(opts.Registerer),
		cache:   make(map[string]*models.Cluster),
		done:    make(chan struct{}),
	}
}

// RegisterGRPC registers the gRPC handlers.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	proto.RegisterControlPlaneServer(gs, s)
}

// Chaos exposes fault injection controls.
func (s *Server) Chaos() *Chaos {
	return s.chaos
}

// Close stops pending transitions and waits for them to exit.
func (s *Server) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ---------- accounts ----------

// SignUp registers an account and issues its API key.
func (s *Server) SignUp(ctx context.Context, req *proto.SignUpRequest) (*proto.SignUpResponse, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, status.Error(codes.InvalidArgument, "a valid email is required")
	}
	if _, err := s.store.GetAccountByEmail(ctx, email); err == nil {
		return nil, status.Errorf(codes.AlreadyExists, "account for %s already exists", email)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.Internal, "lookup account: %v", err)
	}

	a := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		APIKey:       "mk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ClusterLimit: s.opts.ClusterLimit,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.SaveAccount(ctx, a); err != nil {
		return nil, status.Errorf(codes.Internal, "save account: %v", err)
	}
	s.log.Infof("account %s signed up (%s)", a.ID, a.Email)
	return &proto.SignUpResponse{AccountID: a.ID, APIKey: a.APIKey, ClusterLimit: a.ClusterLimit}, nil
}

// GetQuota reports the account's cluster allowance and usage.
func (s *Server) GetQuota(ctx context.Context, req *proto.QuotaRequest) (*proto.QuotaResponse, error) {
	a, err := s.authorize(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	used, err := s.usage(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return &proto.QuotaResponse{AccountID: a.ID, Limit: a.ClusterLimit, Used: used, Allowed: used < a.ClusterLimit}, nil
}

// CheckQuota decides whether the account may perform the given verb.
func (s *Server) CheckQuota(ctx context.Context, req *proto.QuotaRequest) (*proto.QuotaResponse, error) {
	a, err := s.authorize(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	used, err := s.usage(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	resp := &proto.QuotaResponse{AccountID: a.ID, Limit: a.ClusterLimit, Used: used, Allowed: true}
	if models.Verb(req.Verb) == models.VerbCreate && used >= a.ClusterLimit {
		resp.Allowed = false
		resp.Reason = fmt.Sprintf("cluster limit reached (%d/%d)", used, a.ClusterLimit)
	}
	return resp, nil
}

// ---------- clusters ----------

// CreateCluster starts provisioning a new cluster.
func (s *Server) CreateCluster(ctx context.Context, req *proto.ClusterRequest) (*proto.ClusterResponse, error) {
	a, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}
	region := req.Region
	if region == "" {
		region = DefaultRegion
	}
	nodes := req.Nodes
	if nodes <= 0 {
		nodes = DefaultNodes
	}
	if err := s.chaos.Apply(ctx, region); err != nil {
		return nil, err
	}

	// usage is counted and the new cluster saved under one account lock
	unlock := s.lockAccount(a.ID)
	defer unlock()

	return s.mutate(ctx, req, models.VerbCreate, func(ctx context.Context, existing *models.Cluster) (*models.Cluster, error) {
		if existing != nil {
			return nil, status.Errorf(codes.AlreadyExists, "cluster %s already exists", req.Name)
		}
		used, err := s.usage(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if used >= a.ClusterLimit {
			return nil, status.Errorf(codes.FailedPrecondition, "cluster limit reached (%d/%d)", used, a.ClusterLimit)
		}
		now := time.Now().UTC()
		c := &models.Cluster{
			ID:        uuid.NewString(),
			Name:      req.Name,
			AccountID: a.ID,
			Region:    region,
			Nodes:     nodes,
			State:     models.StateProvisioning,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.schedule(c.Name, c.Version, s.opts.ProvisionDelay, s.settle(models.StateRunning))
		return c, nil
	})
}

// StartCluster resumes a stopped or failed cluster.
func (s *Server) StartCluster(ctx context.Context, req *proto.ClusterRequest) (*proto.ClusterResponse, error) {
	return s.transition(ctx, req, models.VerbStart, models.StateStarting, s.settle(models.StateRunning),
		models.StateStopped, models.StateFailed, models.StateDegraded)
}

// StopCluster stops a running cluster.
func (s *Server) StopCluster(ctx context.Context, req *proto.ClusterRequest) (*proto.ClusterResponse, error) {
	return s.transition(ctx, req, models.VerbStop, models.StateStopping, s.settle(models.StateStopped),
		models.StateRunning, models.StateFailed, models.StateDegraded)
}

// DestroyCluster stops the cluster and then removes it.
func (s *Server) DestroyCluster(ctx context.Context, req *proto.ClusterRequest) (*proto.ClusterResponse, error) {
	return s.transition(ctx, req, models.VerbDestroy, models.StateStopping, s.remove,
		models.StateRunning, models.StateStopped, models.StateFailed, models.StateDegraded)
}

// DescribeCluster returns the current state of a cluster.
func (s *Server) DescribeCluster(ctx context.Context, req *proto.ClusterRequest) (*proto.ClusterResponse, error) {
	a, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.getClusterCached(ctx, req.Name)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && c.AccountID != a.ID) {
		s.metrics.observe("describe", "not_found")
		return nil, status.Errorf(codes.NotFound, "cluster %s not found", req.Name)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get cluster: %v", err)
	}
	if err := s.chaos.Apply(ctx, c.Region); err != nil {
		s.metrics.observe("describe", "unavailable")
		return nil, err
	}
	s.metrics.observe("describe", "ok")
	return clusterResponse(c, false), nil
}

// Lookup fetches a cluster by name without authentication, for the HTTP shim.
func (s *Server) Lookup(ctx context.Context, name string) (*models.Cluster, error) {
	return s.getClusterCached(ctx, name)
}

// transition applies a start/stop/destroy request: the cluster must be in
// one of the allowed states, moves to inFlight immediately and is settled
// by done after TransitionDelay.
func (s *Server) transition(ctx context.Context, req *proto.ClusterRequest, verb models.Verb, inFlight models.LifecycleState, done settleFunc, allowed ...models.LifecycleState) (*proto.ClusterResponse, error) {
	a, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}
	return s.mutate(ctx, req, verb, func(ctx context.Context, c *models.Cluster) (*models.Cluster, error) {
		if c == nil || c.AccountID != a.ID {
			return nil, status.Errorf(codes.NotFound, "cluster %s not found", req.Name)
		}
		if err := s.chaos.Apply(ctx, c.Region); err != nil {
			return nil, err
		}
		legal := false
		for _, st := range allowed {
			if c.State == st {
				legal = true
				break
			}
		}
		if !legal {
			return nil, status.Errorf(codes.FailedPrecondition, "cannot %s cluster %s in state %s", verb, c.Name, c.State)
		}
		c.State = inFlight
		c.LastError = ""
		c.Version++
		c.UpdatedAt = time.Now().UTC()
		s.schedule(c.Name, c.Version, s.opts.TransitionDelay, done)
		return c, nil
	})
}

// mutate is idempotent and guarded per-cluster: a token seen before
// returns the recorded outcome without touching the cluster again.
func (s *Server) mutate(ctx context.Context, req *proto.ClusterRequest, verb models.Verb, apply func(context.Context, *models.Cluster) (*models.Cluster, error)) (*proto.ClusterResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "idempotency token required")
	}
	op := string(verb)

	s.acquireOpLock(req.Name)
	defer s.releaseOpLock(req.Name)

	rec, err := s.store.GetToken(ctx, req.Token)
	switch {
	case err == nil:
		if rec.Verb != verb || rec.Cluster != req.Name {
			s.metrics.observe(op, "token_conflict")
			return nil, status.Errorf(codes.InvalidArgument, "token %s was already used for %s %s", req.Token, rec.Verb, rec.Cluster)
		}
		s.metrics.observe(op, "replayed")
		resp := &proto.ClusterResponse{Name: rec.Cluster, State: string(rec.State), Replayed: true}
		if c, err := s.getClusterCached(ctx, req.Name); err == nil {
			resp.Region, resp.Nodes = c.Region, c.Nodes
		}
		return resp, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, status.Errorf(codes.Internal, "lookup token: %v", err)
	}

	existing, err := s.getClusterCached(ctx, req.Name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.Internal, "get cluster: %v", err)
	}
	if existing != nil {
		cp := *existing
		existing = &cp
	}

	c, err := apply(ctx, existing)
	if err != nil {
		s.metrics.observe(op, status.Code(err).String())
		return nil, err
	}
	if err := s.save(ctx, c); err != nil {
		return nil, status.Errorf(codes.Internal, "save: %v", err)
	}
	if err := s.store.SaveToken(ctx, &models.IdempotencyRecord{
		Token:     req.Token,
		Verb:      verb,
		Cluster:   c.Name,
		State:     c.State,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "save token: %v", err)
	}
	s.metrics.observe(op, "ok")
	s.publish(ctx, c, "cluster."+op)
	s.log.Infof("%s %s -> %s", op, c.Name, c.State)
	return clusterResponse(c, false), nil
}

type settleFunc func(ctx context.Context, c *models.Cluster) error

// settle returns a settleFunc that moves the cluster to the given state,
// or to Failed when its region has failures injected.
func (s *Server) settle(to models.LifecycleState) settleFunc {
	return func(ctx context.Context, c *models.Cluster) error {
		if s.chaos.Failing(c.Region) {
			c.State = models.StateFailed
			c.LastError = fmt.Sprintf("nodes in %s failed health checks", c.Region)
		} else {
			c.State = to
		}
		c.Version++
		c.UpdatedAt = time.Now().UTC()
		if err := s.save(ctx, c); err != nil {
			return err
		}
		s.publish(ctx, c, "cluster.settled")
		return nil
	}
}

func (s *Server) remove(ctx context.Context, c *models.Cluster) error {
	if err := s.store.DeleteCluster(ctx, c.Name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, c.Name)
	s.mu.Unlock()
	c.State = models.StateUnprovisioned
	s.publish(ctx, c, "cluster.destroyed")
	return nil
}

// schedule simulates the provider finishing an operation after delay. The
// transition is dropped if another operation bumped the version meanwhile.
func (s *Server) schedule(name string, version int64, delay time.Duration, done settleFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		s.acquireOpLock(name)
		defer s.releaseOpLock(name)

		ctx := context.Background()
		c, err := s.store.GetCluster(ctx, name)
		if err != nil {
			s.log.Debugf("transition for %s dropped: %v", name, err)
			return
		}
		if c.Version != version {
			return
		}
		if err := done(ctx, c); err != nil {
			s.log.Errorf("transition for %s failed: %v", name, err)
			return
		}
		s.log.Infof("cluster %s settled in %s", name, c.State)
	}()
}

func (s *Server) save(ctx context.Context, c *models.Cluster) error {
	if err := s.store.SaveCluster(ctx, c); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[c.Name] = c
	s.mu.Unlock()
	return nil
}

func (s *Server) publish(ctx context.Context, c *models.Cluster, event string) {
	if s.opts.Publisher == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"event":   event,
		"cluster": c.Name,
		"state":   c.State,
		"region":  c.Region,
		"time":    time.Now().Unix(),
	})
	if err := s.opts.Publisher.Publish(ctx, EventsSubject, payload); err != nil {
		s.log.Warnf("publish %s failed: %v", event, err)
	}
}

// usage counts the clusters that hold quota for the account.
func (s *Server) usage(ctx context.Context, accountID string) (int, error) {
	clusters, err := s.store.ListClusters(ctx)
	if err != nil {
		return 0, status.Errorf(codes.Internal, "list clusters: %v", err)
	}
	n := 0
	for _, c := range clusters {
		if c.AccountID == accountID && c.State != models.StateUnprovisioned {
			n++
		}
	}
	return n, nil
}

// authenticate resolves the bearer API key sent in request metadata.
func (s *Server) authenticate(ctx context.Context) (*models.Account, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var key string
	for _, v := range md.Get("authorization") {
		if strings.HasPrefix(v, "Bearer ") {
			key = strings.TrimPrefix(v, "Bearer ")
		}
	}
	if key == "" {
		return nil, status.Error(codes.Unauthenticated, "missing api key")
	}
	a, err := s.store.GetAccountByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, status.Error(codes.Unauthenticated, "unknown api key")
		}
		return nil, status.Errorf(codes.Internal, "lookup api key: %v", err)
	}
	return a, nil
}

// authorize authenticates the caller and checks it owns accountID.
func (s *Server) authorize(ctx context.Context, accountID string) (*models.Account, error) {
	a, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if accountID != "" && accountID != a.ID {
		return nil, status.Errorf(codes.PermissionDenied, "api key does not belong to account %s", accountID)
	}
	return a, nil
}

// getClusterCached returns a cluster (from cache or store).
func (s *Server) getClusterCached(ctx context.Context, name string) (*models.Cluster, error) {
	s.mu.RLock()
	if c, ok := s.cache[name]; ok {
		cp := *c
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	c, err := s.store.GetCluster(ctx, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[name] = c
	s.mu.Unlock()

	cp := *c
	return &cp, nil
}

func clusterResponse(c *models.Cluster, replayed bool) *proto.ClusterResponse {
	return &proto.ClusterResponse{
		Name:      c.Name,
		State:     string(c.State),
		Region:    c.Region,
		Nodes:     c.Nodes,
		LastError: c.LastError,
		Replayed:  replayed,
	}
}

// acquireOpLock ensures only one op per cluster at a time.
func (s *Server) acquireOpLock(name string) *sync.Mutex {
	v, _ := s.opMu.LoadOrStore(name, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx
}

// lockAccount serialises quota decisions of one account.
func (s *Server) lockAccount(id string) func() {
	v, _ := s.acctMu.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}

// releaseOpLock releases the op lock.
func (s *Server) releaseOpLock(name string) {
	v, ok := s.opMu.Load(name)
	if !ok {
		return
	}
	mtx := v.(*sync.Mutex)
	mtx.Unlock()
}
