package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/Stars1233/memori/internal/admission"
	"github.com/Stars1233/memori/internal/config"
	"github.com/Stars1233/memori/internal/lifecycle"
	"github.com/Stars1233/memori/internal/models"
	natsclient "github.com/Stars1233/memori/internal/nats"
	"github.com/Stars1233/memori/internal/provider"
	"github.com/Stars1233/memori/internal/storage"
	"github.com/Stars1233/memori/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Clusters is what the cockroachdb commands drive.
type Clusters interface {
	Issue(ctx context.Context, action models.LifecycleAction) (models.LifecycleState, error)
	AwaitTerminal(ctx context.Context, name string, timeout time.Duration) (models.LifecycleState, error)
	Snapshot(name string) (models.Cluster, bool)
}

// Backend connects commands to the control plane.
type Backend interface {
	SignUp(ctx context.Context, email string) (models.Account, error)
	Quota(ctx context.Context, accountID string) (models.Quota, error)
	Clusters() Clusters
	Close() error
}

// BackendFactory builds the Backend for one invocation.
type BackendFactory func(ctx context.Context, s config.Settings, log *zap.SugaredLogger, trace io.Writer) (Backend, error)

type remoteBackend struct {
	client    *provider.Client
	manager   *lifecycle.Manager
	store     storage.Store
	publisher *natsclient.Publisher
	registry  *prometheus.Registry
	shutdown  func(context.Context) error
	settings  config.Settings
	log       *zap.SugaredLogger
}

// NewRemoteBackend dials the control plane named in s. The snapshot cache,
// event publishing and tracing are optional and degrade to warnings.
func NewRemoteBackend(ctx context.Context, s config.Settings, log *zap.SugaredLogger, trace io.Writer) (Backend, error) {
	b := &remoteBackend{settings: s, log: log, registry: prometheus.NewRegistry()}

	if s.Trace {
		shutdown, err := telemetry.Setup("memori", trace)
		if err != nil {
			return nil, err
		}
		b.shutdown = shutdown
	}

	client, err := provider.Dial(provider.Options{
		Endpoint:          s.Endpoint,
		APIKey:            s.APIKey,
		RequestsPerSecond: s.Provider.RPS,
		Burst:             2,
		IdempotentReplays: true,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}
	b.client = client

	if s.StateDir != "" {
		store, err := storage.NewBadgerStore(s.StateDir)
		if err != nil {
			log.Warnf("cluster cache at %s unavailable, continuing without it: %v", s.StateDir, err)
		} else {
			b.store = store
		}
	}
	if s.NatsURL != "" {
		pub, err := natsclient.NewPublisher(s.NatsURL, "memori-cli", log)
		if err != nil {
			log.Warnf("event publishing disabled: %v", err)
		} else {
			b.publisher = pub
		}
	}

	opts := lifecycle.Options{
		Admission:   admission.NewGate(client, log),
		Freshness:   s.Lifecycle.Freshness,
		Deadline:    s.Lifecycle.Deadline,
		CallTimeout: s.Lifecycle.CallTimeout,
		Poll: wait.Backoff{
			Duration: s.Lifecycle.PollInitial,
			Factor:   1.5,
			Steps:    math.MaxInt32,
			Cap:      s.Lifecycle.PollMax,
		},
		Registerer: b.registry,
		Logger:     log,
	}
	if b.store != nil {
		opts.Store = b.store
	}
	if b.publisher != nil {
		opts.Publisher = b.publisher
	}
	m, err := lifecycle.New(ctx, client, opts)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.manager = m
	return b, nil
}

func (b *remoteBackend) SignUp(ctx context.Context, email string) (models.Account, error) {
	return b.client.SignUp(ctx, email)
}

func (b *remoteBackend) Quota(ctx context.Context, accountID string) (models.Quota, error) {
	return b.client.Quota(ctx, accountID)
}

func (b *remoteBackend) Clusters() Clusters {
	return b.manager
}

// Close stops reconciliations, pushes metrics and releases every resource.
func (b *remoteBackend) Close() error {
	var errs []error
	if b.manager != nil {
		b.manager.Close()
	}
	if b.settings.Pushgateway != "" {
		pusher := push.New(b.settings.Pushgateway, "memori_cli").Gatherer(b.registry)
		if b.settings.AccountID != "" {
			pusher = pusher.Grouping("account", b.settings.AccountID)
		}
		if err := pusher.Push(); err != nil {
			errs = append(errs, fmt.Errorf("push metrics: %w", err))
		}
	}
	if b.publisher != nil {
		if err := b.publisher.Flush(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
		b.publisher.Close()
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cluster cache: %w", err))
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.shutdown != nil {
		if err := b.shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
	}
	return utilerrors.NewAggregate(errs)
}
