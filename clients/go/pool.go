package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gointegrity/storage"
)

// Directory lists the records a Pool resolves peer addresses from.
type Directory interface {
	ListDesignation(ctx context.Context, domain string) ([]storage.DesignationRecord, error)
	ListProgress(ctx context.Context, domain string) ([]storage.ProgressRecord, error)
}

// Pool keeps one Client per peer address. It serves the monitor's remote
// health checks and the auditor's peer fetches.
type Pool struct {
	domain string
	dir    Directory
	opts   *Options

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewPool returns a Pool resolving resource names of domain through dir.
func NewPool(domain string, dir Directory, opts *Options) *Pool {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Pool{
		domain:  domain,
		dir:     dir,
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Ping runs a remote self test against resource. An unhealthy answer is an
// error.
func (p *Pool) Ping(ctx context.Context, resource string) error {
	addr, err := p.resolve(ctx, resource)
	if err != nil {
		return err
	}
	c, err := p.get(ctx, addr)
	if err != nil {
		return err
	}
	resp, err := c.SelfTest(ctx)
	if err != nil {
		return fmt.Errorf("self test %s: %w", resource, err)
	}
	if !resp.Healthy {
		return fmt.Errorf("%s reports unhealthy: %s", resource, resp.Message)
	}
	return nil
}

// FetchEntities fetches records of class from the peer at address.
func (p *Pool) FetchEntities(ctx context.Context, address, class string, keys []string) (map[string][]byte, error) {
	if address == "" {
		return nil, errors.New("peer has no advertised address")
	}
	c, err := p.get(ctx, address)
	if err != nil {
		return nil, err
	}
	return c.FetchEntities(ctx, class, keys)
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var errs []error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(p.clients, addr)
	}
	return errors.Join(errs...)
}

// resolve looks resource up in the designation records, then in the
// progress records. Resources that do not audit only have the latter.
func (p *Pool) resolve(ctx context.Context, resource string) (string, error) {
	known := false
	designations, err := p.dir.ListDesignation(ctx, p.domain)
	if err != nil {
		return "", err
	}
	for _, rec := range designations {
		if rec.ResourceName == resource {
			if rec.Address != "" {
				return rec.Address, nil
			}
			known = true
		}
	}
	progress, err := p.dir.ListProgress(ctx, p.domain)
	if err != nil {
		return "", err
	}
	for _, rec := range progress {
		if rec.ResourceName == resource {
			if rec.Address != "" {
				return rec.Address, nil
			}
			known = true
		}
	}
	if known {
		return "", fmt.Errorf("%s has no advertised address", resource)
	}
	return "", fmt.Errorf("%s: %w", resource, storage.ErrNotFound)
}

func (p *Pool) get(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("client pool closed")
	}
	if c, ok := p.clients[addr]; ok {
		return c, nil
	}
	c, err := New(ctx, addr, p.opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	p.clients[addr] = c
	return c, nil
}
