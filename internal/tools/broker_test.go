package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRotator struct {
	mu        sync.Mutex
	pool      string
	keys      []string
	idx       int
	rotations int
}

func (r *fakeRotator) Pool() string { return r.pool }

func (r *fakeRotator) Rotate(ctx context.Context) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotations++
	if len(r.keys) <= 1 {
		return r.keys[0], false, nil
	}
	r.idx = (r.idx + 1) % len(r.keys)
	return r.keys[r.idx], true, nil
}

func (r *fakeRotator) Secret(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[r.idx], nil
}

type countingRecorder struct {
	mu        sync.Mutex
	calls     map[string]int
	rotations map[string]int
}

func (c *countingRecorder) ToolCall(tool, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[tool+"/"+outcome]++
}

func (c *countingRecorder) Rotation(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rotations == nil {
		c.rotations = map[string]int{}
	}
	c.rotations[outcome]++
}

func TestBrokerListAllToolsPartialFailure(t *testing.T) {
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"a": func(ProviderSpec) (*fakeSession, error) {
			return &fakeSession{tools: []Descriptor{tool("search"), tool("publish_content")}}, nil
		},
		"b": func(ProviderSpec) (*fakeSession, error) {
			return &fakeSession{tools: []Descriptor{tool("search"), tool("fetch")}}, nil
		},
		"d": func(ProviderSpec) (*fakeSession, error) {
			return &fakeSession{listErr: errors.New("listing exploded")}, nil
		},
	}}
	b := NewBroker([]ProviderSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}, d.Dial)
	ctx := context.Background()

	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()
	assert.True(t, b.IsReady())
	assert.Len(t, b.Connections(), 3)

	var names []string
	for _, desc := range b.ListAllTools(ctx) {
		names = append(names, desc.Provider+":"+desc.Name)
	}
	assert.Equal(t, []string{"a:search", "a:publish_content", "b:fetch"}, names)

	res, err := b.Execute(ctx, "fetch", map[string]any{"url": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok:fetch", res.Text)

	_, err = b.Execute(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestBrokerInitNoProviders(t *testing.T) {
	d := &fakeDialer{}
	b := NewBroker([]ProviderSpec{{Name: "x"}}, d.Dial)
	assert.ErrorIs(t, b.Init(context.Background()), ErrNoProviders)
	assert.False(t, b.IsReady())
}

func quotaProvider(goodKey string) func(ProviderSpec) (*fakeSession, error) {
	return func(spec ProviderSpec) (*fakeSession, error) {
		key := spec.Env["API_KEY"]
		return &fakeSession{
			tools: []Descriptor{tool("search")},
			call: func(name string, args map[string]any) (Result, error) {
				if key != goodKey {
					return Result{}, errors.New("upstream returned 429: quota exceeded")
				}
				return TextResult("results with " + key), nil
			},
		}, nil
	}
}

func TestBrokerRotatesAndRetriesOnce(t *testing.T) {
	rot := &fakeRotator{pool: "tavily", keys: []string{"k1", "k2", "k3"}}
	rec := &countingRecorder{}
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search": quotaProvider("k2"),
		"other": func(ProviderSpec) (*fakeSession, error) {
			return &fakeSession{tools: []Descriptor{tool("publish_content")}}, nil
		},
	}}
	specs := []ProviderSpec{
		{Name: "search", Credential: "tavily", Env: map[string]string{"API_KEY": CredentialToken}},
		{Name: "other"},
	}
	b := NewBroker(specs, d.Dial,
		WithSecrets(rot),
		WithRotator(rot),
		WithRecorder(rec),
		WithConnectionOptions(WithRetry(1, 0)))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	before := b.Connections()
	res, err := b.Execute(ctx, "search", map[string]any{"query": "edge computing"})
	require.NoError(t, err)
	assert.Equal(t, "results with k2", res.Text)
	assert.Equal(t, 1, rot.rotations)

	after := b.Connections()
	require.Len(t, after, 2)
	assert.NotSame(t, before[0], after[0], "search provider must be a fresh instance")
	assert.Same(t, before[1], after[1], "unbound provider must be untouched")
	assert.Equal(t, StateCleanedUp, before[0].State())
	assert.Equal(t, "k2", after[0].Spec().Env["API_KEY"])
	assert.Equal(t, 1, rec.rotations["rotated"])
}

func TestBrokerSecondFailurePropagates(t *testing.T) {
	rot := &fakeRotator{pool: "tavily", keys: []string{"k1", "k2", "k3"}}
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search": quotaProvider("none-valid"),
	}}
	b := NewBroker([]ProviderSpec{{Name: "search", Credential: "tavily", Env: map[string]string{"API_KEY": CredentialToken}}},
		d.Dial, WithSecrets(rot), WithRotator(rot), WithConnectionOptions(WithRetry(1, 0)))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	_, err := b.Execute(ctx, "search", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, 1, rot.rotations, "exactly one rotation per call")
	assert.Len(t, d.Dialed(), 2)
}

func TestBrokerSingleKeyPoolDoesNotRetry(t *testing.T) {
	rot := &fakeRotator{pool: "tavily", keys: []string{"only"}}
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search": quotaProvider("never"),
	}}
	b := NewBroker([]ProviderSpec{{Name: "search", Credential: "tavily"}},
		d.Dial, WithSecrets(rot), WithRotator(rot), WithConnectionOptions(WithRetry(1, 0)))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	_, err := b.Execute(ctx, "search", nil)
	require.Error(t, err)
	assert.Equal(t, 1, rot.rotations)
	assert.Len(t, d.Dialed(), 1, "no rebuild without a new key")
}

func TestBrokerRotatesOnErrorResult(t *testing.T) {
	rot := &fakeRotator{pool: "tavily", keys: []string{"k1", "k2"}}
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search": func(spec ProviderSpec) (*fakeSession, error) {
			key := spec.Env["API_KEY"]
			return &fakeSession{
				tools: []Descriptor{tool("search")},
				call: func(string, map[string]any) (Result, error) {
					if key == "k1" {
						return ErrorResult("401 Unauthorized"), nil
					}
					return TextResult("fine"), nil
				},
			}, nil
		},
	}}
	b := NewBroker([]ProviderSpec{{Name: "search", Credential: "tavily", Env: map[string]string{"API_KEY": CredentialToken}}},
		d.Dial, WithSecrets(rot), WithRotator(rot))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	res, err := b.Execute(ctx, "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Text)
}

func TestBrokerConcurrentQuotaFailuresRotateOnce(t *testing.T) {
	rot := &fakeRotator{pool: "tavily", keys: []string{"k1", "k2", "k3"}}
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search": quotaProvider("k2"),
	}}
	b := NewBroker([]ProviderSpec{{Name: "search", Credential: "tavily", Env: map[string]string{"API_KEY": CredentialToken}}},
		d.Dial, WithSecrets(rot), WithRotator(rot), WithConnectionOptions(WithRetry(1, 0)))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	// Hold the lifecycle lock so every caller fails against k1 before any
	// of them can rotate.
	b.lifecycle.Lock()
	var wg sync.WaitGroup
	results := make([]error, 5)
	started := make(chan struct{}, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			_, results[i] = b.Execute(ctx, "search", nil)
		}(i)
	}
	for range results {
		<-started
	}
	// Every goroutine is either blocked on the lock or about to be.
	waitForCalls(t, d, 5)
	b.lifecycle.Unlock()
	wg.Wait()

	for _, err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, rot.rotations)
}

func waitForCalls(t *testing.T, d *fakeDialer, n int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		d.mu.Lock()
		total := 0
		for _, s := range d.sessions {
			total += s.Calls()
		}
		d.mu.Unlock()
		if total >= n {
			return
		}
		sleepBriefly()
	}
	t.Fatalf("expected %d tool calls", n)
}

func sleepBriefly() {
	time.Sleep(time.Millisecond)
}

func TestBrokerCleanupDuringExecute(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"slow": func(ProviderSpec) (*fakeSession, error) {
			return &fakeSession{
				tools: []Descriptor{tool("wait")},
				call: func(string, map[string]any) (Result, error) {
					<-release
					return TextResult("late"), nil
				},
			}, nil
		},
	}}
	b := NewBroker([]ProviderSpec{{Name: "slow"}}, d.Dial)
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := b.Execute(ctx, "wait", nil)
		done <- err
	}()
	waitForCalls(t, d, 1)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Cleanup())
		}()
	}
	wg.Wait()
	close(release)

	assert.NoError(t, <-done)
	assert.False(t, b.IsReady())
	assert.Empty(t, b.Connections())

	_, err := b.Execute(ctx, "wait", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestBrokerManualRotate(t *testing.T) {
	rot := &fakeRotator{pool: "tavily", keys: []string{"k1", "k2"}}
	rec := &countingRecorder{}
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search": quotaProvider("k2"),
	}}
	b := NewBroker([]ProviderSpec{{Name: "search", Credential: "tavily", Env: map[string]string{"API_KEY": CredentialToken}}},
		d.Dial, WithSecrets(rot), WithRotator(rot), WithRecorder(rec))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	rotated, err := b.Rotate(ctx)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, "k2", b.Connections()[0].Spec().Env["API_KEY"])
	assert.Equal(t, 1, rec.rotations["rotated"])

	_, err = NewBroker(nil, d.Dial).Rotate(ctx)
	assert.Error(t, err)
}

func TestBrokerRebuildRereadsSecrets(t *testing.T) {
	var mu sync.Mutex
	secret := "old"
	secrets := SecretFunc(func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return secret, nil
	})
	keyed := func(spec ProviderSpec) (*fakeSession, error) {
		key := spec.Env["API_KEY"]
		return &fakeSession{
			tools: []Descriptor{tool(spec.Name + "_tool")},
			call: func(string, map[string]any) (Result, error) {
				return TextResult("key " + key), nil
			},
		}, nil
	}
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search":  keyed,
		"extract": keyed,
		"other": func(ProviderSpec) (*fakeSession, error) {
			return &fakeSession{tools: []Descriptor{tool("publish_content")}}, nil
		},
	}}
	env := map[string]string{"API_KEY": CredentialToken}
	b := NewBroker([]ProviderSpec{
		{Name: "search", Credential: "tavily", Env: env},
		{Name: "extract", Credential: "tavily", Env: env},
		{Name: "other"},
	}, d.Dial, WithSecrets(secrets))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	before := b.Connections()
	require.Len(t, before, 3)

	mu.Lock()
	secret = "new"
	mu.Unlock()
	require.NoError(t, b.Rebuild(ctx, "search", "unknown"))

	after := b.Connections()
	require.Len(t, after, 3)
	assert.NotSame(t, before[0], after[0])
	assert.Equal(t, StateCleanedUp, before[0].State())
	assert.Equal(t, "new", after[0].Spec().Env["API_KEY"])
	assert.Same(t, before[1], after[1], "bound but unnamed provider keeps its connection")
	assert.Equal(t, "old", after[1].Spec().Env["API_KEY"])
	assert.Same(t, before[2], after[2])
	assert.Len(t, d.Dialed(), 4)

	res, err := b.Execute(ctx, "search_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, "key new", res.Text)
	res, err = b.Execute(ctx, "extract_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, "key old", res.Text)
}

func TestBrokerResolvesAgainAfterMidCallRebuild(t *testing.T) {
	var b *Broker
	rec := &countingRecorder{}
	dials := 0
	d := &fakeDialer{}
	d.build = map[string]func(ProviderSpec) (*fakeSession, error){
		"search": func(ProviderSpec) (*fakeSession, error) {
			dials++
			if dials > 1 {
				return &fakeSession{tools: []Descriptor{tool("search")}, call: func(string, map[string]any) (Result, error) {
					return TextResult("fresh"), nil
				}}, nil
			}
			// The first session loses its connection to a rebuild mid-call.
			return &fakeSession{tools: []Descriptor{tool("search")}, call: func(string, map[string]any) (Result, error) {
				if err := b.Rebuild(context.Background(), "search"); err != nil {
					return Result{}, err
				}
				return Result{}, errors.New("connection reset by peer")
			}}, nil
		},
	}
	b = NewBroker([]ProviderSpec{{Name: "search"}}, d.Dial,
		WithRecorder(rec), WithConnectionOptions(WithRetry(2, 0)))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	res, err := b.Execute(ctx, "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.Text)
	assert.Equal(t, 2, dials)
	assert.Equal(t, 1, rec.calls["search/error"])
	assert.Equal(t, 1, rec.calls["search/ok"])
}

func TestBrokerNotReadyWithoutReplacementIsReturned(t *testing.T) {
	var b *Broker
	d := &fakeDialer{build: map[string]func(ProviderSpec) (*fakeSession, error){
		"search": func(ProviderSpec) (*fakeSession, error) {
			return &fakeSession{tools: []Descriptor{tool("search")}, call: func(string, map[string]any) (Result, error) {
				// Closed in place, never swapped for a fresh connection.
				_ = b.Connections()[0].Cleanup()
				return Result{}, errors.New("connection reset by peer")
			}}, nil
		},
	}}
	b = NewBroker([]ProviderSpec{{Name: "search"}}, d.Dial, WithConnectionOptions(WithRetry(2, 0)))
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	defer b.Cleanup()

	_, err := b.Execute(ctx, "search", nil)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Len(t, d.Dialed(), 1)
}
