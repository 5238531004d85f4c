// Package escalate decides when a conversation needs a human and notifies
// operators. The decision is a pure function; the pipeline owns the resulting
// state transition and event emission.
package escalate

import (
	"strings"

	"github.com/soportecyclops/tienda21/internal/llm"
	"github.com/soportecyclops/tienda21/internal/rules"
	"github.com/soportecyclops/tienda21/internal/session"
)

// Escalation reasons, in decision order.
const (
	ReasonGuardrailHigh    = "guardrail-high"
	ReasonLLMUnavailable   = "llm-unavailable"
	ReasonUserRequested    = "user-requested"
	ReasonRepeatedFriction = "repeated-friction"
)

// DefaultFrictionStreak is how many consecutive flagged user turns trigger a
// repeated-friction escalation.
const DefaultFrictionStreak = 3

// Decision is the decider output. If Escalate is true the pipeline
// transitions the session and emits an escalation event.
type Decision struct {
	Escalate bool
	Reason   string
}

// Phrases that explicitly ask for a human operator (ES). Matched as
// substrings of the lowered message.
var humanRequestPhrases = []string{
	"hablar con un humano",
	"hablar con una persona",
	"hablar con alguien",
	"quiero un operador",
	"con un operador",
	"con un agente",
	"atención humana",
	"humano por favor",
	"alguien real",
}

// Decider applies the escalation rules. Stateless; safe for concurrent use.
type Decider struct {
	frictionStreak int
}

// NewDecider creates a decider. frictionStreak <= 0 falls back to the default.
func NewDecider(frictionStreak int) *Decider {
	if frictionStreak <= 0 {
		frictionStreak = DefaultFrictionStreak
	}
	return &Decider{frictionStreak: frictionStreak}
}

// Decide evaluates the escalation rules in order; first match wins.
//
//  1. High-severity guardrail verdict.
//  2. Dispatcher failure (all providers exhausted).
//  3. The user explicitly asked for a human.
//  4. Repeated friction: the current verdict plus the trailing user turns
//     form a streak of flagged (low-severity) messages.
func (d *Decider) Decide(verdict rules.Verdict, gen *llm.Result, sess *session.Session, message string) Decision {
	if verdict.Severity == rules.SeverityHigh {
		return Decision{Escalate: true, Reason: ReasonGuardrailHigh}
	}
	if gen != nil && gen.Failed {
		return Decision{Escalate: true, Reason: ReasonLLMUnavailable}
	}
	if userRequestsHuman(message) {
		return Decision{Escalate: true, Reason: ReasonUserRequested}
	}
	if d.frictionStreakReached(verdict, sess) {
		return Decision{Escalate: true, Reason: ReasonRepeatedFriction}
	}
	return Decision{}
}

func userRequestsHuman(message string) bool {
	lowered := strings.ToLower(message)
	for _, phrase := range humanRequestPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// frictionStreakReached counts the current verdict plus trailing flagged user
// turns. Any clean user turn breaks the streak; assistant turns are skipped.
func (d *Decider) frictionStreakReached(verdict rules.Verdict, sess *session.Session) bool {
	if verdict.Rule == "" {
		return false
	}
	streak := 1
	for i := len(sess.Turns) - 1; i >= 0 && streak < d.frictionStreak; i-- {
		t := sess.Turns[i]
		if t.Role != session.RoleUser {
			continue
		}
		if t.Rule == "" {
			break
		}
		streak++
	}
	return streak >= d.frictionStreak
}
