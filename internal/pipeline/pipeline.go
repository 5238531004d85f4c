// Package pipeline orchestrates one inbound message end to end: session
// lookup under a per-session lock, guardrail evaluation, LLM dispatch,
// escalation decision, and the single persisted write that commits the turn.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/soportecyclops/tienda21/internal/escalate"
	"github.com/soportecyclops/tienda21/internal/llm"
	"github.com/soportecyclops/tienda21/internal/otel"
	"github.com/soportecyclops/tienda21/internal/prompt"
	"github.com/soportecyclops/tienda21/internal/respond"
	"github.com/soportecyclops/tienda21/internal/rules"
	"github.com/soportecyclops/tienda21/internal/session"
)

var tracer = otel.Tracer("github.com/soportecyclops/tienda21/internal/pipeline")

// Defaults for the pipeline's own policy knobs.
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultMessageDeadline = 45 * time.Second
)

// ErrSessionBusy is returned when the per-session lock could not be acquired
// before the message deadline.
var ErrSessionBusy = errors.New("session busy: lock not acquired before deadline")

// InboundMessage is a sanitized, authenticated message entering the pipeline.
type InboundMessage struct {
	UserID     string
	Channel    string
	Text       string
	ReceivedAt time.Time
}

// Outcome is what the pipeline hands back to the transport layer.
type Outcome struct {
	SessionID        string        `json:"session_id"`
	State            session.State `json:"state"`
	Reply            string        `json:"reply"`
	Rule             string        `json:"rule,omitempty"`
	Blocked          bool          `json:"blocked"`
	Escalated        bool          `json:"escalated"`
	EscalationReason string        `json:"escalation_reason,omitempty"`
	Provider         string        `json:"provider,omitempty"`
}

// ContextSource supplies store context (catalog summary) for prompt building.
type ContextSource interface {
	Summary(ctx context.Context) string
}

// Pipeline wires the message-processing stages together. All stages are
// injected; the pipeline owns only ordering, locking, and persistence policy.
type Pipeline struct {
	store      session.Store
	locks      *session.Locks
	engine     *rules.Engine
	dispatcher *llm.Dispatcher
	builder    *prompt.Builder
	renderer   *respond.Renderer
	decider    *escalate.Decider
	notifier   escalate.Notifier
	catalog    ContextSource

	sessionTTL time.Duration
	deadline   time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSessionTTL overrides the idle timeout after which a session is
// considered expired.
func WithSessionTTL(ttl time.Duration) Option {
	return func(p *Pipeline) { p.sessionTTL = ttl }
}

// WithMessageDeadline overrides the overall per-message processing deadline.
func WithMessageDeadline(d time.Duration) Option {
	return func(p *Pipeline) { p.deadline = d }
}

// WithCatalog attaches a store-context source used to ground prompts.
func WithCatalog(c ContextSource) Option {
	return func(p *Pipeline) { p.catalog = c }
}

// New creates a pipeline. notifier may not be nil; pass escalate.LogNotifier{}
// when no webhook is configured.
func New(store session.Store, engine *rules.Engine, dispatcher *llm.Dispatcher,
	renderer *respond.Renderer, decider *escalate.Decider, notifier escalate.Notifier,
	opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		locks:      session.NewLocks(),
		engine:     engine,
		dispatcher: dispatcher,
		builder:    prompt.NewBuilder(),
		renderer:   renderer,
		decider:    decider,
		notifier:   notifier,
		sessionTTL: DefaultSessionTTL,
		deadline:   DefaultMessageDeadline,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one inbound message and returns the outcome. Processing
// for the same (user, channel) pair is strictly serialized; messages for
// different pairs proceed concurrently.
func (p *Pipeline) Handle(ctx context.Context, msg InboundMessage) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline.handle",
		trace.WithAttributes(
			attribute.String("chat.channel", msg.Channel),
		))
	defer span.End()

	key := session.Key(msg.UserID, msg.Channel)
	release, err := p.locks.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
	}
	defer release()

	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	sess, err := p.loadSession(ctx, msg, now)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("chat.session_id", sess.ID))

	// An escalated session is on hold: record the turn, remind the user a
	// human will follow up, never dispatch.
	if sess.State == session.StateEscalated {
		return p.holdReply(ctx, sess, msg, now)
	}

	verdict := p.engine.Evaluate(msg.Text)
	if verdict.Rule == "" {
		verdict = p.engine.EvaluateHistory(msg.Text, sess.Turns, now)
	}

	var gen *llm.Result
	if verdict.Rule == "" {
		gen = p.generate(ctx, sess, msg.Text)
	}

	decision := p.decider.Decide(verdict, gen, sess, msg.Text)
	reply := p.composeReply(verdict, gen, decision)

	sess.Append(session.Turn{
		Role:      session.RoleUser,
		Text:      msg.Text,
		Timestamp: now,
		Rule:      verdict.Rule,
		Severity:  string(verdict.Severity),
	})
	sess.Append(session.Turn{Role: session.RoleAssistant, Text: reply, Timestamp: now})
	if decision.Escalate {
		sess.Escalate(decision.Reason)
	}

	if err := p.persist(ctx, sess); err != nil {
		return nil, err
	}

	if decision.Escalate {
		ev := escalate.NewEvent(sess.ID, sess.UserID, sess.Channel, decision.Reason, msg.Text)
		go p.notifier.Notify(context.WithoutCancel(ctx), ev)
	}

	out := &Outcome{
		SessionID:        sess.ID,
		State:            sess.State,
		Reply:            reply,
		Rule:             verdict.Rule,
		Blocked:          !verdict.Allowed,
		Escalated:        decision.Escalate,
		EscalationReason: sess.EscalationReason,
	}
	if gen != nil && !gen.Failed {
		out.Provider = gen.Provider
	}
	log.Info().
		Str("session_id", sess.ID).
		Str("channel", sess.Channel).
		Str("rule", verdict.Rule).
		Bool("blocked", out.Blocked).
		Bool("escalated", out.Escalated).
		Str("provider", out.Provider).
		Msg("message_processed")
	return out, nil
}

// loadSession returns the open session for the pair, lazily expiring a stale
// one and creating a fresh session when none is open.
func (p *Pipeline) loadSession(ctx context.Context, msg InboundMessage, now time.Time) (*session.Session, error) {
	sess, err := p.store.Get(ctx, msg.UserID, msg.Channel)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return session.New(msg.UserID, msg.Channel), nil
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	}

	if sess.Expired(p.sessionTTL, now) {
		if err := p.store.CloseSession(ctx, msg.UserID, msg.Channel); err != nil && !errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("expire session: %w", err)
		}
		log.Debug().Str("session_id", sess.ID).Msg("session_expired")
		return session.New(msg.UserID, msg.Channel), nil
	}
	return sess, nil
}

// holdReply handles a message arriving on an already escalated session.
func (p *Pipeline) holdReply(ctx context.Context, sess *session.Session, msg InboundMessage, now time.Time) (*Outcome, error) {
	reply := p.renderer.Escalated()
	sess.Append(session.Turn{Role: session.RoleUser, Text: msg.Text, Timestamp: now})
	sess.Append(session.Turn{Role: session.RoleAssistant, Text: reply, Timestamp: now})
	if err := p.persist(ctx, sess); err != nil {
		return nil, err
	}
	return &Outcome{
		SessionID:        sess.ID,
		State:            sess.State,
		Reply:            reply,
		Escalated:        true,
		EscalationReason: sess.EscalationReason,
	}, nil
}

func (p *Pipeline) generate(ctx context.Context, sess *session.Session, text string) *llm.Result {
	var catalogContext string
	if p.catalog != nil {
		catalogContext = p.catalog.Summary(ctx)
	}
	messages := p.builder.Build(sess, text, catalogContext)
	return p.dispatcher.Generate(ctx, &llm.Request{
		Messages:    messages,
		Temperature: llm.DefaultTemperature,
		MaxTokens:   llm.DefaultMaxTokens,
	})
}

// composeReply picks the user-facing text. Flagged messages get their rule's
// deflection; exhausted dispatch gets the technical-difficulties fallback;
// any other escalation gets the escalated notice; otherwise the completion,
// clamped to the channel limit.
func (p *Pipeline) composeReply(verdict rules.Verdict, gen *llm.Result, decision escalate.Decision) string {
	switch {
	case verdict.Rule != "":
		if decision.Escalate {
			return p.renderer.Escalated()
		}
		return verdict.Deflection
	case gen == nil || gen.Failed:
		return p.renderer.Fallback()
	case decision.Escalate:
		return p.renderer.Escalated()
	default:
		return respond.Clamp(gen.Text)
	}
}

// persist writes the session, retrying the write once before giving up. A
// version conflict re-reads the stored version first; the per-session lock
// makes conflicts practically impossible, the retry guards the invariant
// anyway. Transient storage errors get the same single retry.
func (p *Pipeline) persist(ctx context.Context, sess *session.Session) error {
	err := p.store.Put(ctx, sess)
	if err == nil {
		return nil
	}

	if errors.Is(err, session.ErrConflict) {
		stored, getErr := p.store.GetByID(ctx, sess.ID)
		if getErr != nil {
			return fmt.Errorf("persist session: %w", err)
		}
		sess.Version = stored.Version
	} else {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("session_put_retrying")
	}

	if err := p.store.Put(ctx, sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}
