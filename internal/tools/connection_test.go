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

func TestDescriptorEmptyProperties(t *testing.T) {
	schema := map[string]any{"type": "object"}
	d := NewDescriptor("p", "ping", "ping", schema)

	assert.Equal(t, map[string]any{}, d.Parameters["properties"])
	_, mutated := schema["properties"]
	assert.False(t, mutated, "source schema must not be modified")

	d = NewDescriptor("p", "echo", "echo", map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	})
	assert.Contains(t, d.Parameters["properties"], "text")
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "hi", TextResult("hi").String())
	assert.Equal(t, "Error: boom", ErrorResult("boom").String())
	assert.Equal(t, "Error executing tool", ErrorResult("Error executing tool").String())
	assert.Equal(t, `{"n":1}`, StructuredResult(map[string]any{"n": 1}, "").String())
	assert.Equal(t, "rendered", StructuredResult(map[string]any{"n": 1}, "rendered").String())
	assert.True(t, ErrorResult("x").Failed())
}

func TestProviderSpecWithCredential(t *testing.T) {
	spec := ProviderSpec{
		Name:    "search",
		Args:    []string{"-y", "https://mcp.example/?key={{credential}}"},
		Env:     map[string]string{"API_KEY": "{{credential}}"},
		URL:     "http://h/{{credential}}",
		Headers: map[string]string{"Authorization": "Bearer {{credential}}"},
	}
	out := spec.WithCredential("k2")

	assert.Equal(t, "https://mcp.example/?key=k2", out.Args[1])
	assert.Equal(t, "k2", out.Env["API_KEY"])
	assert.Equal(t, "http://h/k2", out.URL)
	assert.Equal(t, "Bearer k2", out.Headers["Authorization"])
	assert.Equal(t, "{{credential}}", spec.Env["API_KEY"])
}

func TestConnectionLifecycle(t *testing.T) {
	sess := &fakeSession{tools: []Descriptor{tool("search")}}
	conn := NewConnection(ProviderSpec{Name: "p"}, func(ctx context.Context, spec ProviderSpec) (Session, error) {
		return sess, nil
	})
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, conn.State())
	_, err := conn.ListTools(ctx)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, conn.Connect(ctx))
	assert.Equal(t, StateReady, conn.State())
	assert.ErrorIs(t, conn.Connect(ctx), ErrInvalidState)

	list, err := conn.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p", list[0].Provider)

	require.NoError(t, conn.Cleanup())
	assert.Equal(t, StateCleanedUp, conn.State())
	require.NoError(t, conn.Cleanup())
	assert.Equal(t, 1, sess.closed)

	_, err = conn.Execute(ctx, "search", nil)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestConnectionConnectFailure(t *testing.T) {
	conn := NewConnection(ProviderSpec{Name: "p"}, func(ctx context.Context, spec ProviderSpec) (Session, error) {
		return nil, errors.New("handshake garbled")
	})
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake garbled")
	assert.Equal(t, StateFailed, conn.State())

	require.NoError(t, conn.Cleanup())
	assert.Equal(t, StateFailed, conn.State())
}

func TestConnectionExecuteRetries(t *testing.T) {
	attempts := 0
	sess := &fakeSession{call: func(name string, args map[string]any) (Result, error) {
		attempts++
		if attempts == 1 {
			return Result{}, errors.New("transient")
		}
		return TextResult("done"), nil
	}}
	conn := NewConnection(ProviderSpec{Name: "p"}, func(ctx context.Context, spec ProviderSpec) (Session, error) {
		return sess, nil
	}, WithRetry(2, time.Millisecond))
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Cleanup()

	res, err := conn.Execute(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 2, attempts)
}

func TestConnectionExecuteExhausted(t *testing.T) {
	sess := &fakeSession{call: func(name string, args map[string]any) (Result, error) {
		return Result{}, errors.New("HTTP 429 too many requests")
	}}
	conn := NewConnection(ProviderSpec{Name: "p"}, func(ctx context.Context, spec ProviderSpec) (Session, error) {
		return sess, nil
	}, WithRetry(2, time.Millisecond))
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Cleanup()

	_, err := conn.Execute(context.Background(), "t", nil)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.Attempts)
	assert.Equal(t, "p", execErr.Provider)
	assert.True(t, IsRotationEligible(err))
	assert.Equal(t, 2, sess.Calls())
}

func TestConnectionConcurrentCleanup(t *testing.T) {
	release := make(chan struct{})
	sess := &fakeSession{closeFn: func() error {
		<-release
		return errors.New("close failed")
	}}
	conn := NewConnection(ProviderSpec{Name: "p"}, func(ctx context.Context, spec ProviderSpec) (Session, error) {
		return sess, nil
	})
	require.NoError(t, conn.Connect(context.Background()))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conn.Cleanup()
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, sess.closed)
	for _, err := range errs {
		assert.EqualError(t, err, "close p: close failed")
	}
}

func TestConnectionBenignCloseError(t *testing.T) {
	sess := &fakeSession{closeFn: func() error { return context.Canceled }}
	conn := NewConnection(ProviderSpec{Name: "p"}, func(ctx context.Context, spec ProviderSpec) (Session, error) {
		return sess, nil
	})
	require.NoError(t, conn.Connect(context.Background()))
	assert.NoError(t, conn.Cleanup())
}

func TestShouldRotate(t *testing.T) {
	for _, msg := range []string{"HTTP 429", "Quota exceeded", "401 Unauthorized", "status 403", "Rate limit hit"} {
		assert.True(t, ShouldRotate(msg), msg)
	}
	for _, msg := range []string{"connection reset", "timeout", ""} {
		assert.False(t, ShouldRotate(msg), msg)
	}
	assert.False(t, IsRotationEligible(nil))
	assert.False(t, IsRotationEligible(errors.Join(ErrToolNotFound, errors.New("429"))))
}
