// Package provider adapts the control-plane gRPC service to the lifecycle
// manager: it attaches credentials and idempotency tokens, paces requests
// and normalises transport failures.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Stars1233/memori/internal/models"
	"github.com/Stars1233/memori/internal/proto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// Request identifies a cluster and the token of one mutating call.
type Request struct {
	Name   string
	Region string
	Nodes  int
	Token  string
}

// Options configure a Client.
type Options struct {
	Endpoint string
	APIKey   string
	// RequestsPerSecond paces outgoing calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// IdempotentReplays declares that the control plane honours request
	// tokens, which makes replaying create and start safe.
	IdempotentReplays bool
	DialOptions       []grpc.DialOption
	Logger            *zap.SugaredLogger
}

// Client talks to the control plane over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	cp      *proto.ControlPlaneClient
	limiter *rate.Limiter
	apiKey  string
	replays bool
	log     *zap.SugaredLogger
	tracer  trace.Tracer
}

// Dial creates a client; the connection is established lazily.
func Dial(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("control plane endpoint is required")
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts.DialOptions...)
	conn, err := grpc.NewClient(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", opts.Endpoint, err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		conn:    conn,
		cp:      proto.NewControlPlaneClient(conn),
		limiter: limiter,
		apiKey:  opts.APIKey,
		replays: opts.IdempotentReplays,
		log:     logger,
		tracer:  otel.Tracer("github.com/Stars1233/memori/internal/provider"),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// IdempotentReplays reports whether a mutating call may be replayed with
// the same token without duplicating its effect.
func (c *Client) IdempotentReplays() bool {
	return c.replays
}

type clusterCall func(context.Context, *proto.ClusterRequest, ...grpc.CallOption) (*proto.ClusterResponse, error)

func (c *Client) Create(ctx context.Context, req Request) (models.LifecycleState, error) {
	return c.mutate(ctx, "create", req, c.cp.CreateCluster)
}

func (c *Client) Start(ctx context.Context, req Request) (models.LifecycleState, error) {
	return c.mutate(ctx, "start", req, c.cp.StartCluster)
}

func (c *Client) Stop(ctx context.Context, req Request) (models.LifecycleState, error) {
	return c.mutate(ctx, "stop", req, c.cp.StopCluster)
}

func (c *Client) Destroy(ctx context.Context, req Request) (models.LifecycleState, error) {
	return c.mutate(ctx, "destroy", req, c.cp.DestroyCluster)
}

func (c *Client) mutate(ctx context.Context, op string, req Request, call clusterCall) (models.LifecycleState, error) {
	if req.Token == "" {
		return "", &Error{Op: op, Cluster: req.Name, Kind: ErrRejected, Err: fmt.Errorf("idempotency token required")}
	}
	var resp *proto.ClusterResponse
	err := c.invoke(ctx, op, req.Name, func(ctx context.Context, opts ...grpc.CallOption) error {
		var err error
		resp, err = call(ctx, &proto.ClusterRequest{
			Name:   req.Name,
			Region: req.Region,
			Nodes:  req.Nodes,
			Token:  req.Token,
		}, opts...)
		return err
	}, attribute.String("token", req.Token))
	if err != nil {
		return "", err
	}
	if resp.Replayed {
		c.log.Debugf("%s %s replayed token %s", op, req.Name, req.Token)
	}
	state, err := models.ParseLifecycleState(resp.State)
	if err != nil {
		return "", &Error{Op: op, Cluster: req.Name, Kind: ErrRejected, Err: err}
	}
	return state, nil
}

// Describe returns the provider's view of a cluster. A cluster the
// provider does not know is reported as Unprovisioned.
func (c *Client) Describe(ctx context.Context, name string) (models.Cluster, error) {
	var resp *proto.ClusterResponse
	err := c.invoke(ctx, "describe", name, func(ctx context.Context, opts ...grpc.CallOption) error {
		var err error
		resp, err = c.cp.DescribeCluster(ctx, &proto.ClusterRequest{Name: name}, opts...)
		return err
	})
	if IsNotFound(err) {
		return models.Cluster{Name: name, State: models.StateUnprovisioned, ObservedAt: time.Now()}, nil
	}
	if err != nil {
		return models.Cluster{}, err
	}
	state, err := models.ParseLifecycleState(resp.State)
	if err != nil {
		return models.Cluster{}, &Error{Op: "describe", Cluster: name, Kind: ErrRejected, Err: err}
	}
	return models.Cluster{
		Name:       resp.Name,
		Region:     resp.Region,
		Nodes:      resp.Nodes,
		State:      state,
		LastError:  resp.LastError,
		ObservedAt: time.Now(),
	}, nil
}

// CheckQuota asks the control plane whether the action fits the account's quota.
func (c *Client) CheckQuota(ctx context.Context, accountID string, action models.LifecycleAction) (models.QuotaDecision, error) {
	var resp *proto.QuotaResponse
	err := c.invoke(ctx, "check-quota", action.Cluster, func(ctx context.Context, opts ...grpc.CallOption) error {
		var err error
		resp, err = c.cp.CheckQuota(ctx, &proto.QuotaRequest{
			AccountID: accountID,
			Verb:      string(action.Verb),
			Cluster:   action.Cluster,
		}, opts...)
		return err
	}, attribute.String("verb", string(action.Verb)))
	if err != nil {
		return models.QuotaDecision{}, err
	}
	return models.QuotaDecision{Allowed: resp.Allowed, Reason: resp.Reason}, nil
}

// Quota reports the account's limit and usage.
func (c *Client) Quota(ctx context.Context, accountID string) (models.Quota, error) {
	var resp *proto.QuotaResponse
	err := c.invoke(ctx, "quota", "", func(ctx context.Context, opts ...grpc.CallOption) error {
		var err error
		resp, err = c.cp.GetQuota(ctx, &proto.QuotaRequest{AccountID: accountID}, opts...)
		return err
	}, attribute.String("account", accountID))
	if err != nil {
		return models.Quota{}, err
	}
	return models.Quota{AccountID: resp.AccountID, Limit: resp.Limit, Used: resp.Used}, nil
}

// SignUp registers an account; it needs no API key.
func (c *Client) SignUp(ctx context.Context, email string) (models.Account, error) {
	var resp *proto.SignUpResponse
	err := c.invoke(ctx, "sign-up", "", func(ctx context.Context, opts ...grpc.CallOption) error {
		var err error
		resp, err = c.cp.SignUp(ctx, &proto.SignUpRequest{Email: email}, opts...)
		return err
	})
	if err != nil {
		return models.Account{}, err
	}
	return models.Account{
		ID:           resp.AccountID,
		Email:        email,
		APIKey:       resp.APIKey,
		ClusterLimit: resp.ClusterLimit,
	}, nil
}

// invoke paces and traces one RPC and normalises its error. The call
// options it passes to rpc must reach the gRPC call.
func (c *Client) invoke(ctx context.Context, op, name string, rpc func(context.Context, ...grpc.CallOption) error, attrs ...attribute.KeyValue) error {
	if name != "" {
		attrs = append(attrs, attribute.String("cluster", name))
	}
	ctx, span := c.tracer.Start(ctx, "provider."+op, trace.WithAttributes(attrs...))
	defer span.End()

	if err := c.wait(ctx, op, name); err != nil {
		span.RecordError(err)
		return err
	}
	var p peer.Peer
	err := rpc(c.outgoing(ctx), grpc.Peer(&p))
	if err == nil {
		return nil
	}
	err = normalize(op, name, p.Addr != nil, err)
	if !IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) wait(ctx context.Context, op, name string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Cluster: name, Kind: ErrTransport, NotSent: true, Err: err}
	}
	return nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}
