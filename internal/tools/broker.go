package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SecretSource resolves a provider's credential reference.
type SecretSource interface {
	Secret(name string) (string, error)
}

type SecretFunc func(name string) (string, error)

func (f SecretFunc) Secret(name string) (string, error) {
	return f(name)
}

// KeyRotator advances a credential pool. rotated is false when the pool
// offers nothing new to try.
type KeyRotator interface {
	Pool() string
	Rotate(ctx context.Context) (key string, rotated bool, err error)
}

// Recorder receives dispatch and rotation outcomes, typically for metrics.
type Recorder interface {
	ToolCall(tool, outcome string)
	Rotation(outcome string)
}

// Broker aggregates provider connections into one tool namespace.
//
// Lifecycle calls (Init, Rebuild, Cleanup) are serialized. ListAllTools and
// Execute are safe for concurrent use and always work on the current
// connection set, so a rebuild mid-flight only affects calls that start
// after it.
type Broker struct {
	specs    []ProviderSpec
	dial     Dialer
	secrets  SecretSource
	rotator  KeyRotator
	recorder Recorder
	connOpts []ConnectionOption
	logger   *zap.Logger

	lifecycle sync.Mutex
	cleaning  atomic.Bool

	mu    sync.RWMutex
	conns []*Connection
	ready bool
}

type BrokerOption func(*Broker)

func WithSecrets(s SecretSource) BrokerOption {
	return func(b *Broker) { b.secrets = s }
}

// WithRotator enables rotate-and-retry-once for providers whose Credential
// names the rotator's pool.
func WithRotator(r KeyRotator) BrokerOption {
	return func(b *Broker) { b.rotator = r }
}

func WithRecorder(r Recorder) BrokerOption {
	return func(b *Broker) { b.recorder = r }
}

func WithConnectionOptions(opts ...ConnectionOption) BrokerOption {
	return func(b *Broker) { b.connOpts = append(b.connOpts, opts...) }
}

func WithLogger(l *zap.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

func NewBroker(specs []ProviderSpec, dial Dialer, opts ...BrokerOption) *Broker {
	b := &Broker{
		specs:  append([]ProviderSpec(nil), specs...),
		dial:   dial,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("broker")
	b.connOpts = append(b.connOpts, WithConnectionLogger(b.logger))
	return b
}

// Init connects every provider. Providers that fail are logged and left
// out; ErrNoProviders is returned only when none connected.
func (b *Broker) Init(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.IsReady() {
		return nil
	}

	var conns []*Connection
	for _, spec := range b.specs {
		conn, err := b.connect(ctx, spec, "")
		if err != nil {
			b.logger.Error("provider unavailable", zap.String("provider", spec.Name), zap.Error(err))
			continue
		}
		conns = append(conns, conn)
	}

	b.mu.Lock()
	b.conns = conns
	b.ready = len(conns) > 0
	b.mu.Unlock()

	b.logger.Info("broker initialized", zap.Int("connected", len(conns)), zap.Int("configured", len(b.specs)))
	if len(conns) == 0 && len(b.specs) > 0 {
		return ErrNoProviders
	}
	return nil
}

// connect resolves credentials and dials. override, when set, is used as
// the credential instead of asking the secret source.
func (b *Broker) connect(ctx context.Context, spec ProviderSpec, override string) (*Connection, error) {
	resolved := spec
	if spec.Credential != "" {
		secret := override
		if secret == "" && b.secrets != nil {
			s, err := b.secrets.Secret(spec.Credential)
			if err != nil {
				return nil, fmt.Errorf("resolve credential %q: %w", spec.Credential, err)
			}
			secret = s
		}
		resolved = spec.WithCredential(secret)
	}
	conn := NewConnection(resolved, b.dial, b.connOpts...)
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Cleanup()
		return nil, err
	}
	return conn, nil
}

func (b *Broker) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Connections returns a snapshot of the current connection set.
func (b *Broker) Connections() []*Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Connection(nil), b.conns...)
}

// ListAllTools returns every advertised tool, first provider wins on name
// clashes. Providers that fail to list are skipped.
func (b *Broker) ListAllTools(ctx context.Context) []Descriptor {
	var out []Descriptor
	seen := make(map[string]bool)
	for _, c := range b.Connections() {
		list, err := c.ListTools(ctx)
		if err != nil {
			b.logger.Warn("list tools failed", zap.String("provider", c.Name()), zap.Error(err))
			continue
		}
		for _, d := range list {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out
}

func (b *Broker) resolve(ctx context.Context, name string) (*Connection, error) {
	for _, c := range b.Connections() {
		list, err := c.ListTools(ctx)
		if err != nil {
			continue
		}
		for _, d := range list {
			if d.Name == name {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Execute dispatches a tool call to its owning provider. A quota or
// authorization failure on a provider bound to the rotation pool triggers
// one key rotation, a rebuild of the bound providers and exactly one
// retry. A second failure is returned as is.
func (b *Broker) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	res, conn, err := b.executeCurrent(ctx, name, args)
	if !b.needsRotation(res, err) {
		return res, err
	}
	if !b.recoverFrom(ctx, conn) {
		return res, err
	}
	b.logger.Info("retrying after credential rotation", zap.String("tool", name))
	res, _, err = b.executeCurrent(ctx, name, args)
	return res, err
}

// executeCurrent resolves the tool again, once, when its connection was
// swapped out by a rebuild while the call was in flight.
func (b *Broker) executeCurrent(ctx context.Context, name string, args map[string]any) (Result, *Connection, error) {
	res, conn, err := b.execute(ctx, name, args)
	if conn == nil || !errors.Is(err, ErrNotReady) || b.contains(conn) || !b.IsReady() {
		return res, conn, err
	}
	b.logger.Debug("provider replaced mid-call, resolving again",
		zap.String("tool", name), zap.String("provider", conn.Name()))
	return b.execute(ctx, name, args)
}

func (b *Broker) execute(ctx context.Context, name string, args map[string]any) (Result, *Connection, error) {
	conn, err := b.resolve(ctx, name)
	if err != nil {
		b.record(name, "not_found")
		return Result{}, nil, err
	}
	res, err := conn.Execute(ctx, name, args)
	switch {
	case err != nil:
		b.record(name, "error")
	case res.Failed():
		b.record(name, "tool_error")
	default:
		b.record(name, "ok")
	}
	return res, conn, err
}

func (b *Broker) needsRotation(res Result, err error) bool {
	if b.rotator == nil {
		return false
	}
	if err != nil {
		return IsRotationEligible(err)
	}
	return res.Failed() && ShouldRotate(res.Text)
}

// recoverFrom rotates the pool and rebuilds bound providers. If failed was
// already replaced by a concurrent recovery, no second rotation happens and
// the caller simply retries against the fresh connection.
func (b *Broker) recoverFrom(ctx context.Context, failed *Connection) bool {
	if failed == nil || failed.Spec().Credential != b.rotator.Pool() {
		return false
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if !b.contains(failed) {
		b.recordRotation("shared")
		return true
	}

	key, rotated, err := b.rotator.Rotate(ctx)
	if err != nil {
		b.logger.Error("credential rotation failed", zap.String("pool", b.rotator.Pool()), zap.Error(err))
		b.recordRotation("error")
		return false
	}
	if !rotated {
		b.logger.Warn("no alternative credential to rotate to", zap.String("pool", b.rotator.Pool()))
		b.recordRotation("exhausted")
		return false
	}

	b.rebuildLocked(ctx, b.boundProviders(), key)
	b.recordRotation("rotated")
	return true
}

// Rotate advances the credential pool on demand and rebuilds the providers
// bound to it. rotated is false when the pool had nothing new to offer.
func (b *Broker) Rotate(ctx context.Context) (rotated bool, err error) {
	if b.rotator == nil {
		return false, errors.New("no credential rotator configured")
	}
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	key, rotated, err := b.rotator.Rotate(ctx)
	if err != nil {
		b.recordRotation("error")
		return false, fmt.Errorf("rotate %s: %w", b.rotator.Pool(), err)
	}
	if !rotated {
		b.recordRotation("exhausted")
		return false, nil
	}
	err = b.rebuildLocked(ctx, b.boundProviders(), key)
	b.recordRotation("rotated")
	return true, err
}

func (b *Broker) boundProviders() []string {
	var names []string
	for _, s := range b.specs {
		if s.Credential == b.rotator.Pool() {
			names = append(names, s.Name)
		}
	}
	return names
}

func (b *Broker) contains(c *Connection) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, cur := range b.conns {
		if cur == c {
			return true
		}
	}
	return false
}

// Rebuild tears down and reconnects the named providers with freshly
// resolved credentials. Unknown names are ignored.
func (b *Broker) Rebuild(ctx context.Context, names ...string) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.rebuildLocked(ctx, names, "")
}

func (b *Broker) rebuildLocked(ctx context.Context, names []string, override string) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	fresh := make(map[string]*Connection)
	var errs []error
	for _, spec := range b.specs {
		if !want[spec.Name] {
			continue
		}
		conn, err := b.connect(ctx, spec, override)
		if err != nil {
			b.logger.Error("provider rebuild failed", zap.String("provider", spec.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		fresh[spec.Name] = conn
	}

	b.mu.Lock()
	var next, stale []*Connection
	placed := make(map[string]bool)
	for _, c := range b.conns {
		if !want[c.Name()] {
			next = append(next, c)
			continue
		}
		stale = append(stale, c)
		if nc, ok := fresh[c.Name()]; ok {
			next = append(next, nc)
			placed[c.Name()] = true
		}
	}
	for _, spec := range b.specs {
		if nc, ok := fresh[spec.Name]; ok && !placed[spec.Name] {
			next = append(next, nc)
		}
	}
	b.conns = next
	b.ready = len(next) > 0
	b.mu.Unlock()

	for _, c := range stale {
		_ = c.Cleanup()
	}
	b.logger.Info("providers rebuilt", zap.Strings("providers", names), zap.Int("connected", len(fresh)))
	return errors.Join(errs...)
}

// Cleanup closes every connection. A call made while another cleanup is
// running returns immediately.
func (b *Broker) Cleanup() error {
	if !b.cleaning.CompareAndSwap(false, true) {
		b.logger.Debug("cleanup already in progress")
		return nil
	}
	defer b.cleaning.Store(false)

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.ready = false
	b.mu.Unlock()

	var errs []error
	for i := len(conns) - 1; i >= 0; i-- {
		if err := conns[i].Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) record(tool, outcome string) {
	if b.recorder != nil {
		b.recorder.ToolCall(tool, outcome)
	}
}

func (b *Broker) recordRotation(outcome string) {
	if b.recorder != nil {
		b.recorder.Rotation(outcome)
	}
}
