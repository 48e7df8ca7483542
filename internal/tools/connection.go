package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable_http"
	TransportBuiltin        Transport = "builtin"
)

// CredentialToken is replaced with the provider's secret at dial time.
const CredentialToken = "{{credential}}"

// ProviderSpec is everything needed to dial one tool provider.
type ProviderSpec struct {
	Name       string
	Transport  Transport
	Command    string
	Args       []string
	Env        map[string]string
	URL        string
	Headers    map[string]string
	Credential string
}

// WithCredential returns a copy of s with every CredentialToken replaced.
func (s ProviderSpec) WithCredential(secret string) ProviderSpec {
	out := s
	out.URL = strings.ReplaceAll(s.URL, CredentialToken, secret)
	out.Args = make([]string, len(s.Args))
	for i, a := range s.Args {
		out.Args[i] = strings.ReplaceAll(a, CredentialToken, secret)
	}
	out.Env = replaceValues(s.Env, secret)
	out.Headers = replaceValues(s.Headers, secret)
	return out
}

func replaceValues(m map[string]string, secret string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = strings.ReplaceAll(v, CredentialToken, secret)
	}
	return out
}

// Session is a live, initialized conversation with a provider.
type Session interface {
	ListTools(ctx context.Context) ([]Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)
	Close() error
}

// Dialer opens a session for a spec whose credentials are already resolved.
type Dialer func(ctx context.Context, spec ProviderSpec) (Session, error)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateFailed
	StateCleanedUp
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCleanedUp:
		return "cleaned-up"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connection owns the lifecycle of one provider session. Failed and
// cleaned-up connections are never reused; a rebuild constructs a new one.
type Connection struct {
	spec     ProviderSpec
	dial     Dialer
	logger   *zap.Logger
	attempts int
	delay    time.Duration

	mu      sync.Mutex
	state   State
	session Session
	tools   []Descriptor

	cleanupMu  sync.Mutex
	cleaned    bool
	cleanupErr error
}

type ConnectionOption func(*Connection)

// WithRetry sets the number of attempts per Execute and the pause between them.
func WithRetry(attempts int, delay time.Duration) ConnectionOption {
	return func(c *Connection) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

func WithConnectionLogger(l *zap.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = l
	}
}

// NewConnection expects spec to carry resolved credentials.
func NewConnection(spec ProviderSpec, dial Dialer, opts ...ConnectionOption) *Connection {
	c := &Connection{
		spec:     spec,
		dial:     dial,
		logger:   zap.NewNop(),
		attempts: 2,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("provider", spec.Name))
	return c
}

func (c *Connection) Name() string {
	return c.spec.Name
}

// Spec returns the spec the connection was built from. Credentials are
// already substituted, so do not log it.
func (c *Connection) Spec() ProviderSpec {
	return c.spec
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect moves an uninitialized connection to ready or failed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect called on %s connection %s", ErrInvalidState, st, c.spec.Name)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sess, err := c.dial(ctx, c.spec)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.state == StateConnecting {
			c.state = StateFailed
		}
		return fmt.Errorf("connect %s: %w", c.spec.Name, err)
	}
	if c.state != StateConnecting {
		// cleaned up while dialing
		_ = sess.Close()
		return fmt.Errorf("%w: %s was cleaned up while connecting", ErrInvalidState, c.spec.Name)
	}
	c.session = sess
	c.state = StateReady
	c.logger.Info("provider connected", zap.String("transport", string(c.spec.Transport)))
	return nil
}

func (c *Connection) ready() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.session == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, c.spec.Name, c.state)
	}
	return c.session, nil
}

// ListTools returns the provider's tools. The list is cached for the
// lifetime of this connection instance.
func (c *Connection) ListTools(ctx context.Context) ([]Descriptor, error) {
	sess, err := c.ready()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached := c.tools
	c.mu.Unlock()
	if cached != nil {
		return append([]Descriptor(nil), cached...), nil
	}

	list, err := sess.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", c.spec.Name, err)
	}
	out := make([]Descriptor, 0, len(list))
	for _, d := range list {
		d.Provider = c.spec.Name
		out = append(out, d)
	}

	c.mu.Lock()
	c.tools = out
	c.mu.Unlock()
	return append([]Descriptor(nil), out...), nil
}

// Execute calls a tool, retrying any error up to the configured attempts.
// The final error is an *ExecutionError.
func (c *Connection) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	var lastErr error
	attempt := 0
	for attempt < c.attempts {
		attempt++
		sess, err := c.ready()
		if err != nil {
			lastErr = err
			break
		}
		res, err := sess.CallTool(ctx, name, args)
		if err == nil {
			return res, nil
		}
		lastErr = err
		c.logger.Warn("tool call failed",
			zap.String("tool", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.attempts),
			zap.Error(err))
		if attempt < c.attempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = c.attempts
			case <-time.After(c.delay):
			}
		}
	}
	return Result{}, &ExecutionError{
		Tool:     name,
		Provider: c.spec.Name,
		Attempts: attempt,
		Err:      lastErr,
	}
}

// Cleanup releases the session. It is idempotent: concurrent and repeated
// calls wait for the first one and return its result.
func (c *Connection) Cleanup() error {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	if c.cleaned {
		return c.cleanupErr
	}
	c.cleaned = true

	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.tools = nil
	if c.state != StateFailed {
		c.state = StateCleanedUp
	}
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil && !benignCloseError(err) {
		c.cleanupErr = fmt.Errorf("close %s: %w", c.spec.Name, err)
		c.logger.Warn("provider cleanup failed", zap.Error(err))
		return c.cleanupErr
	}
	c.logger.Debug("provider cleaned up")
	return nil
}

func benignCloseError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "file already closed")
}
