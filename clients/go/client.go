package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	integrityv1 "gointegrity/api/integrity/v1"
	"gointegrity/pkg/audit"
	"gointegrity/pkg/state"
	"gointegrity/storage"
)

// Client is a typed SDK for the integrity service.
type Client struct {
	conn        *grpc.ClientConn
	callTimeout time.Duration
	Integrity   integrityv1.IntegrityClient
}

// Options control Client behavior.
type Options struct {
	// DialTimeout is the timeout for establishing the initial connection.
	DialTimeout time.Duration
	// Insecure skips TLS (default true for local dev).
	Insecure bool
	// CallTimeout bounds each call made through the typed helpers.
	CallTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultOptions returns the options New uses when given nil.
func DefaultOptions() *Options {
	return &Options{Insecure: true, DialTimeout: 5 * time.Second, CallTimeout: 10 * time.Second}
}

// New dials the integrity server at address (host:port) and returns a Client.
func New(ctx context.Context, address string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	var dialOpts []grpc.DialOption
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	conn, err := grpc.DialContext(ctx, address, dialOpts...)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:        conn,
		callTimeout: opts.CallTimeout,
		Integrity:   integrityv1.NewIntegrityClient(conn),
	}
	return c, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// SelfTest asks the resource to evaluate its own sanity.
func (c *Client) SelfTest(ctx context.Context) (*integrityv1.SelfTestResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.Integrity.SelfTest(ctx, &integrityv1.SelfTestRequest{})
}

// State returns the state of resource, or of the serving resource when
// resource is empty.
func (c *Client) State(ctx context.Context, resource string) (*integrityv1.StateResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.Integrity.GetState(ctx, &integrityv1.GetStateRequest{Resource: resource})
}

// Apply runs an action against the serving resource and returns its new
// state. A refused promotion returns the committed state together with the
// FailedPrecondition error.
func (c *Client) Apply(ctx context.Context, action state.Action) (*integrityv1.StateResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	var trailer metadata.MD
	resp, err := c.Integrity.ApplyAction(ctx, &integrityv1.ApplyActionRequest{Action: string(action)}, grpc.Trailer(&trailer))
	if err != nil {
		if committed, ok := integrityv1.StateFromTrailer(trailer); ok {
			return committed, err
		}
		return nil, err
	}
	return resp, nil
}

// FetchEntities returns the records of class held by the serving resource.
// A nil keys slice fetches the whole class.
func (c *Client) FetchEntities(ctx context.Context, class string, keys []string) (map[string][]byte, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.Integrity.FetchEntities(ctx, &integrityv1.FetchEntitiesRequest{
		Class: class,
		All:   keys == nil,
		Keys:  keys,
	})
	if err != nil {
		return nil, err
	}
	if resp.Entities == nil {
		return map[string][]byte{}, nil
	}
	return resp.Entities, nil
}

// ListDesignation lists designation records; an empty domain means the
// server's own.
func (c *Client) ListDesignation(ctx context.Context, domain string) ([]storage.DesignationRecord, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.Integrity.ListDesignation(ctx, &integrityv1.ListDesignationRequest{Domain: domain})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// ListProgress lists forward-progress records; an empty domain means the
// server's own.
func (c *Client) ListProgress(ctx context.Context, domain string) ([]storage.ProgressRecord, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.Integrity.ListProgress(ctx, &integrityv1.ListProgressRequest{Domain: domain})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// AuditReport returns the last replica audit the server ran, if any.
func (c *Client) AuditReport(ctx context.Context) (bool, *audit.Report, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := c.Integrity.GetAuditReport(ctx, &integrityv1.GetAuditReportRequest{})
	if err != nil {
		return false, nil, err
	}
	return resp.Designated, resp.Report, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
