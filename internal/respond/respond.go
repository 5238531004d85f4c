// Package respond renders the customer-facing reply texts that do not come
// from an LLM: deflections for blocked content, the fallback when every
// provider is down, and the hold message for escalated sessions.
package respond

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"
)

// Template defaults. Operators can override via configuration; templates are
// parsed once at startup so a malformed override fails before serving.
const (
	defaultFallback  = "Lo siento, estoy experimentando dificultades técnicas. Un agente humano va a revisar tu consulta en {{.WaitEstimate}}."
	defaultEscalated = "Tu consulta fue derivada a un agente humano. Te responderemos en {{.WaitEstimate}}."
	defaultWait      = "5-10 minutos"
)

// MaxReplyLength bounds any reply we send back, LLM-generated or templated.
const MaxReplyLength = 500

// Renderer produces policy-compliant reply texts. Safe for concurrent use
// after construction.
type Renderer struct {
	fallback  *template.Template
	escalated *template.Template
	wait      string
}

// Option configures a Renderer.
type Option func(*renderSpec)

type renderSpec struct {
	fallback  string
	escalated string
	wait      string
}

// WithFallbackTemplate overrides the all-providers-down reply template.
func WithFallbackTemplate(t string) Option {
	return func(s *renderSpec) { s.fallback = t }
}

// WithEscalatedTemplate overrides the escalated-session hold reply template.
func WithEscalatedTemplate(t string) Option {
	return func(s *renderSpec) { s.escalated = t }
}

// WithWaitEstimate overrides the human wait estimate inserted into templates.
func WithWaitEstimate(w string) Option {
	return func(s *renderSpec) { s.wait = w }
}

// NewRenderer parses the reply templates. A malformed template is a startup
// error, never a per-message one.
func NewRenderer(opts ...Option) (*Renderer, error) {
	spec := renderSpec{fallback: defaultFallback, escalated: defaultEscalated, wait: defaultWait}
	for _, opt := range opts {
		opt(&spec)
	}

	fallback, err := template.New("fallback").Parse(spec.fallback)
	if err != nil {
		return nil, fmt.Errorf("parsing fallback template: %w", err)
	}
	escalated, err := template.New("escalated").Parse(spec.escalated)
	if err != nil {
		return nil, fmt.Errorf("parsing escalated template: %w", err)
	}
	return &Renderer{fallback: fallback, escalated: escalated, wait: spec.wait}, nil
}

type templateData struct {
	WaitEstimate string
}

// Fallback is the reply when all providers are exhausted. The end user never
// sees an error; they see this and the session escalates.
func (r *Renderer) Fallback() string {
	return r.render(r.fallback)
}

// Escalated is the hold reply for messages arriving on an already escalated
// session.
func (r *Renderer) Escalated() string {
	return r.render(r.escalated)
}

func (r *Renderer) render(t *template.Template) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, templateData{WaitEstimate: r.wait}); err != nil {
		// Templates are validated at startup; execution over a fixed
		// struct cannot fail. Keep a safe value anyway.
		return "Lo siento, no puedo responder en este momento."
	}
	return buf.String()
}

// Clamp bounds a reply to MaxReplyLength runes, cutting on a space where
// possible.
func Clamp(text string) string {
	if utf8.RuneCountInString(text) <= MaxReplyLength {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:MaxReplyLength])
	if idx := strings.LastIndex(cut, " "); idx > MaxReplyLength/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
