package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/rahul/scribe/pkg/config"
	"go.uber.org/zap"
)

// Store persists one rotation pool: its ordered keys and the active key.
type Store interface {
	LoadPool(ctx context.Context) (keys []string, current string, err error)
	SaveCurrent(ctx context.Context, current string) error
}

// Next picks the key after current. A current key that is not in the pool
// restarts at the first key. ok is false when there is nothing to rotate to.
func Next(keys []string, current string) (key string, ok bool) {
	switch len(keys) {
	case 0:
		return "", false
	case 1:
		return keys[0], false
	}
	for i, k := range keys {
		if k == current {
			return keys[(i+1)%len(keys)], true
		}
	}
	return keys[0], true
}

// Rotator advances a persisted credential pool.
type Rotator struct {
	name     string
	store    Store
	logger   *zap.Logger
	onRotate func(from, to string)

	mu sync.Mutex
}

type Option func(*Rotator)

func WithLogger(l *zap.Logger) Option {
	return func(r *Rotator) { r.logger = l }
}

// OnRotate registers a hook called after a rotation is persisted.
func OnRotate(fn func(from, to string)) Option {
	return func(r *Rotator) { r.onRotate = fn }
}

func NewRotator(name string, store Store, opts ...Option) *Rotator {
	r := &Rotator{name: name, store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("credentials").With(zap.String("pool", name))
	return r
}

func (r *Rotator) Pool() string {
	return r.name
}

// Current returns the active key, falling back to the first pool key.
func (r *Rotator) Current(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, current, err := r.store.LoadPool(ctx)
	if err != nil {
		return "", fmt.Errorf("load pool %s: %w", r.name, err)
	}
	if current != "" {
		return current, nil
	}
	if len(keys) > 0 {
		return keys[0], nil
	}
	return "", nil
}

// Secret lets a Rotator serve as the credential source for its own pool.
func (r *Rotator) Secret(name string) (string, error) {
	if name != r.name {
		return "", fmt.Errorf("rotator %s cannot resolve credential %q", r.name, name)
	}
	return r.Current(context.Background())
}

// Rotate advances the pool pointer and persists it. For pools of length 0
// or 1 it reports rotated=false and persists nothing.
func (r *Rotator) Rotate(ctx context.Context) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, current, err := r.store.LoadPool(ctx)
	if err != nil {
		return "", false, fmt.Errorf("load pool %s: %w", r.name, err)
	}
	next, ok := Next(keys, current)
	if !ok {
		r.logger.Warn("nothing to rotate", zap.Int("pool_size", len(keys)))
		return next, false, nil
	}
	if err := r.store.SaveCurrent(ctx, next); err != nil {
		return "", false, fmt.Errorf("persist pool %s: %w", r.name, err)
	}
	r.logger.Info("credential rotated",
		zap.String("from", config.Mask(current)),
		zap.String("to", config.Mask(next)),
		zap.Int("pool_size", len(keys)))
	if r.onRotate != nil {
		r.onRotate(current, next)
	}
	return next, true, nil
}

// MemoryStore keeps a pool in memory.
type MemoryStore struct {
	mu      sync.Mutex
	keys    []string
	current string
	saves   int
}

func NewMemoryStore(keys []string, current string) *MemoryStore {
	return &MemoryStore{keys: append([]string(nil), keys...), current: current}
}

func (m *MemoryStore) LoadPool(ctx context.Context) ([]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...), m.current, nil
}

func (m *MemoryStore) SaveCurrent(ctx context.Context, current string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = current
	m.saves++
	return nil
}

// Saves reports how many pointer updates were persisted.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
