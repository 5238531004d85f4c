package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider implements Provider with configurable behavior per call.
type scriptedProvider struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &Response{Content: "respuesta de " + p.name, FinishReason: "stop", Model: req.Model}, nil
}

func fastDispatcher(ranking ...RankedProvider) *Dispatcher {
	return NewDispatcher(ranking, WithBackoffBase(time.Millisecond))
}

func TestGenerateFirstProviderWins(t *testing.T) {
	a := &scriptedProvider{name: "openai"}
	b := &scriptedProvider{name: "groq"}

	d := fastDispatcher(
		RankedProvider{Provider: a, Rank: 1},
		RankedProvider{Provider: b, Rank: 2},
	)
	res := d.Generate(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hola"}}})

	require.False(t, res.Failed)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "respuesta de openai", res.Text)
	assert.Empty(t, res.Attempts)
	assert.Equal(t, int32(0), b.calls.Load(), "later ranks must not be called after a success")
}

func TestGenerateFailsOverInRankOrder(t *testing.T) {
	a := &scriptedProvider{name: "openai", err: errors.New("503 service unavailable")}
	b := &scriptedProvider{name: "groq"}

	d := fastDispatcher(
		RankedProvider{Provider: a, Rank: 1, Retries: 1},
		RankedProvider{Provider: b, Rank: 2},
	)
	res := d.Generate(context.Background(), &Request{})

	require.False(t, res.Failed)
	assert.Equal(t, "groq", res.Provider)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "openai", res.Attempts[0].Provider)
	assert.Contains(t, res.Attempts[0].Error, "503")
	assert.Equal(t, 2, res.Attempts[0].Tries, "first try plus one retry")
}

func TestGenerateRankingOrderNotListOrder(t *testing.T) {
	a := &scriptedProvider{name: "mistral"}
	b := &scriptedProvider{name: "openai"}

	// openai has the lower rank even though it is listed second.
	d := fastDispatcher(
		RankedProvider{Provider: a, Rank: 5},
		RankedProvider{Provider: b, Rank: 1},
	)
	res := d.Generate(context.Background(), &Request{})

	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestGenerateAllProvidersExhausted(t *testing.T) {
	a := &scriptedProvider{name: "openai", err: errors.New("timeout A")}
	b := &scriptedProvider{name: "groq", err: errors.New("timeout B")}
	c := &scriptedProvider{name: "mistral", err: errors.New("timeout C")}

	d := fastDispatcher(
		RankedProvider{Provider: a, Rank: 1},
		RankedProvider{Provider: b, Rank: 2},
		RankedProvider{Provider: c, Rank: 3},
	)
	res := d.Generate(context.Background(), &Request{})

	require.True(t, res.Failed)
	require.Len(t, res.Attempts, 3, "failure must enumerate every provider")
	assert.Equal(t, "openai", res.Attempts[0].Provider)
	assert.Equal(t, "groq", res.Attempts[1].Provider)
	assert.Equal(t, "mistral", res.Attempts[2].Provider)
	for _, at := range res.Attempts {
		assert.NotEmpty(t, at.Error)
	}
}

func TestGenerateRetriesSameProviderBeforeFailover(t *testing.T) {
	a := &scriptedProvider{name: "openai", err: errors.New("boom")}
	b := &scriptedProvider{name: "groq"}

	d := fastDispatcher(
		RankedProvider{Provider: a, Rank: 1, Retries: 2},
		RankedProvider{Provider: b, Rank: 2},
	)
	res := d.Generate(context.Background(), &Request{})

	assert.Equal(t, int32(3), a.calls.Load(), "first try plus two retries")
	assert.Equal(t, "groq", res.Provider)
}

func TestGeneratePerAttemptTimeout(t *testing.T) {
	slow := &scriptedProvider{name: "openai", delay: time.Second}
	fast := &scriptedProvider{name: "groq"}

	d := fastDispatcher(
		RankedProvider{Provider: slow, Rank: 1, Timeout: 20 * time.Millisecond, Retries: 0},
		RankedProvider{Provider: fast, Rank: 2},
	)
	res := d.Generate(context.Background(), &Request{})

	require.False(t, res.Failed)
	assert.Equal(t, "groq", res.Provider)
	require.Len(t, res.Attempts, 1)
	assert.Contains(t, res.Attempts[0].Error, "context deadline exceeded")
}

func TestGenerateEmptyCompletionIsFailure(t *testing.T) {
	empty := &scriptedProvider{name: "openai"}
	empty.err = nil // returns content; simulate empty via custom provider below

	d := fastDispatcher(RankedProvider{
		Provider: providerFunc{name: "openai", fn: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Content: ""}, nil
		}},
		Rank: 1, Retries: 0,
	})
	res := d.Generate(context.Background(), &Request{})

	require.True(t, res.Failed)
	require.Len(t, res.Attempts, 1)
	assert.Contains(t, res.Attempts[0].Error, "empty completion")
}

func TestGenerateNoProviders(t *testing.T) {
	d := fastDispatcher()
	res := d.Generate(context.Background(), &Request{})
	assert.True(t, res.Failed)
}

func TestGenerateStopsWhenOverallDeadlineGone(t *testing.T) {
	slow := &scriptedProvider{name: "openai", delay: 200 * time.Millisecond}
	never := &scriptedProvider{name: "groq"}

	d := fastDispatcher(
		RankedProvider{Provider: slow, Rank: 1, Timeout: 5 * time.Second, Retries: 0},
		RankedProvider{Provider: never, Rank: 2},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := d.Generate(ctx, &Request{})

	assert.True(t, res.Failed)
	assert.Equal(t, int32(0), never.calls.Load(), "ranking walk must stop once the overall deadline is gone")
}

func TestProvidersListsRankOrder(t *testing.T) {
	d := fastDispatcher(
		RankedProvider{Provider: &scriptedProvider{name: "mistral"}, Rank: 3},
		RankedProvider{Provider: &scriptedProvider{name: "openai"}, Rank: 1},
		RankedProvider{Provider: &scriptedProvider{name: "groq"}, Rank: 2},
	)
	assert.Equal(t, []string{"openai", "groq", "mistral"}, d.Providers())
}

// providerFunc adapts a function to the Provider interface.
type providerFunc struct {
	name string
	fn   func(ctx context.Context, req *Request) (*Response, error)
}

func (p providerFunc) Name() string { return p.name }
func (p providerFunc) Generate(ctx context.Context, req *Request) (*Response, error) {
	return p.fn(ctx, req)
}
