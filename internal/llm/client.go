package llm

import (
	"context"
	"log/slog"
	"sync"
)

// Provider is the contract a vendor adapter implements. Adapters translate
// the shared request/response model to the vendor wire format and map vendor
// failures into the shared error taxonomy. Adapters never apply middleware;
// the client does.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// ProviderCloser is implemented by adapters holding connections to release.
type ProviderCloser interface {
	Close() error
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// DefaultProvider routes requests that omit a provider. Empty means
	// requests must name one.
	DefaultProvider string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client routes requests to registered provider adapters through the
// middleware chain. Safe for concurrent use.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
	completeMW      []Middleware
	streamMW        []StreamMiddleware
	logger          *slog.Logger
}

// NewClient builds an empty client; register adapters before use.
func NewClient(opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		providers:       make(map[string]Provider),
		defaultProvider: opts.DefaultProvider,
		logger:          logger.With("component", "llm"),
	}
}

// RegisterProvider adds an adapter under its name, replacing any previous
// registration. The first registered provider becomes the default when none
// was configured.
func (c *Client) RegisterProvider(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Name()] = p
	if c.defaultProvider == "" {
		c.defaultProvider = p.Name()
	}
}

// Use appends middleware to the complete path. Registration order is onion
// order: the first registered runs first on the request and last on the
// response.
func (c *Client) Use(mw Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeMW = append(c.completeMW, mw)
}

// UseStream appends middleware to the stream path.
func (c *Client) UseStream(mw StreamMiddleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamMW = append(c.streamMW, mw)
}

// Provider returns the named adapter.
func (c *Client) Provider(name string) (Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

// DefaultProvider returns the provider used when a request names none.
func (c *Client) DefaultProvider() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultProvider
}

func (c *Client) resolve(req *Request) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, ConfigurationError("no provider specified and no default configured")
	}
	p, ok := c.providers[name]
	if !ok {
		return nil, ConfigurationError("provider %q is not registered", name)
	}
	return p, nil
}

// Complete runs the request through the middleware chain and the resolved
// adapter, returning the normalised response.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	p, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	mws := c.completeMW
	c.mu.RUnlock()

	terminal := func(ctx context.Context, req *Request) (*Response, error) {
		resp, err := p.Complete(ctx, req)
		if resp != nil && resp.Provider == "" {
			resp.Provider = p.Name()
		}
		return resp, err
	}
	return chainComplete(mws, terminal)(ctx, req)
}

// Stream opens a streaming completion and returns the buffered fan-out
// handle. The underlying provider stream is drained eagerly so multiple
// consumers each observe the full event sequence.
func (c *Client) Stream(ctx context.Context, req *Request) (*Stream, error) {
	p, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	mws := c.streamMW
	c.mu.RUnlock()

	terminal := func(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
		return p.Stream(ctx, req)
	}
	events, err := chainStream(mws, terminal)(ctx, req)
	if err != nil {
		return nil, err
	}
	s := newStream()
	go s.drain(events)
	return s, nil
}

// Close releases adapters that hold connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, p := range c.providers {
		if closer, ok := p.(ProviderCloser); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(c.providers, name)
	}
	return firstErr
}
