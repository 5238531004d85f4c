package llm

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RankedProvider binds a provider to its failover policy. Rank order decides
// the attempt sequence: lowest rank first.
type RankedProvider struct {
	Provider Provider
	Rank     int
	Timeout  time.Duration // per-attempt deadline
	Retries  int           // same-provider retries after the first attempt
}

// Attempt records one provider's final outcome within a dispatch.
type Attempt struct {
	Provider string        `json:"provider"`
	Error    string        `json:"error"`
	Tries    int           `json:"tries"`
	Latency  time.Duration `json:"latency_ms"`
}

// Result is the dispatcher outcome: either a completion from the first
// provider that succeeded, or a failure enumerating every provider tried in
// ranking order. Provider exhaustion is a value, not a Go error — the
// dispatcher never raises past its own boundary.
type Result struct {
	Provider string
	Text     string
	Latency  time.Duration
	Failed   bool
	Attempts []Attempt
}

// Dispatcher walks a ranked provider list sequentially. Providers are billed,
// rate-limited resources: the contract favors lowest-rank first success over
// lowest latency, so there is no parallel fan-out.
type Dispatcher struct {
	ranking     []RankedProvider
	backoffBase time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBackoffBase overrides the base delay for same-provider retry backoff.
func WithBackoffBase(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.backoffBase = d }
}

// NewDispatcher creates a dispatcher over the given providers, sorted by rank.
// Zero timeouts and negative retry counts fall back to package defaults;
// Retries of zero means a single try per provider.
func NewDispatcher(ranking []RankedProvider, opts ...DispatcherOption) *Dispatcher {
	sorted := make([]RankedProvider, len(ranking))
	copy(sorted, ranking)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })
	for i := range sorted {
		if sorted[i].Timeout <= 0 {
			sorted[i].Timeout = DefaultAttemptTimeout
		}
		if sorted[i].Retries < 0 {
			sorted[i].Retries = DefaultRetries
		}
	}
	d := &Dispatcher{ranking: sorted, backoffBase: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Providers returns the ranked provider names, lowest rank first.
func (d *Dispatcher) Providers() []string {
	names := make([]string, len(d.ranking))
	for i, rp := range d.ranking {
		names[i] = rp.Provider.Name()
	}
	return names
}

// Generate tries each provider in rank order until one succeeds. Each
// provider gets 1+Retries tries with exponential backoff between same-provider
// tries; there is no backoff when moving to the next provider. The returned
// Result is always non-nil.
func (d *Dispatcher) Generate(ctx context.Context, req *Request) *Result {
	ctx, span := tracer.Start(ctx, "llm.dispatch",
		trace.WithAttributes(attribute.Int("llm.providers", len(d.ranking))))
	defer span.End()

	if len(d.ranking) == 0 {
		return &Result{Failed: true, Attempts: []Attempt{{Provider: "none", Error: ErrNoProviders.Error()}}}
	}

	start := time.Now()
	attempts := make([]Attempt, 0, len(d.ranking))

	for _, rp := range d.ranking {
		name := rp.Provider.Name()
		resp, tries, lastErr := d.tryProvider(ctx, rp, req)
		if resp != nil {
			latency := time.Since(start)
			span.SetAttributes(
				attribute.String("llm.provider", name),
				attribute.Int64("llm.latency_ms", latency.Milliseconds()),
			)
			recordDispatchLatency(ctx, name, latency, false)
			return &Result{
				Provider: name,
				Text:     resp.Content,
				Latency:  latency,
				Attempts: attempts,
			}
		}

		attempts = append(attempts, Attempt{
			Provider: name,
			Error:    lastErr.Error(),
			Tries:    tries,
			Latency:  time.Since(start),
		})
		log.Warn().
			Str("provider", name).
			Int("tries", tries).
			Err(lastErr).
			Msg("provider_exhausted")

		// Overall deadline gone: stop walking the ranking.
		if ctx.Err() != nil {
			break
		}
	}

	span.SetAttributes(attribute.Bool("llm.exhausted", true))
	recordDispatchLatency(ctx, "none", time.Since(start), true)
	return &Result{Failed: true, Attempts: attempts}
}

// tryProvider runs up to 1+Retries tries against one provider. Returns the
// response on success, otherwise the try count and last error.
func (d *Dispatcher) tryProvider(ctx context.Context, rp RankedProvider, req *Request) (*Response, int, error) {
	var lastErr error
	tries := 0

	for attempt := 0; attempt <= rp.Retries; attempt++ {
		if attempt > 0 {
			backoff := d.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, tries, ctx.Err()
			}
		}
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, tries, lastErr
		}

		tries++
		attemptCtx, cancel := context.WithTimeout(ctx, rp.Timeout)
		resp, err := rp.Provider.Generate(attemptCtx, req)
		cancel()

		if err == nil && resp != nil && resp.Content != "" {
			return resp, tries, nil
		}
		if err == nil {
			err = ErrEmptyCompletion
		}
		lastErr = err
		log.Debug().
			Str("provider", rp.Provider.Name()).
			Int("attempt", tries).
			Err(err).
			Msg("provider_attempt_failed")
	}

	return nil, tries, lastErr
}
