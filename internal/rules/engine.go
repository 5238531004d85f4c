package rules

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soportecyclops/tienda21/internal/session"
)

// Rule names produced by threshold checks (pattern rules carry their own names).
const (
	RuleMessageTooLong  = "message_too_long"
	RuleRepeatedMessage = "repeated_message"
	RuleSpamDetected    = "spam_detected"
)

// Engine evaluates messages against a compiled rule set. It performs no I/O
// and never returns an error: a malformed rule set cannot exist past startup.
type Engine struct {
	rules *RuleSet
}

// NewEngine creates an engine over a compiled rule set.
func NewEngine(rs *RuleSet) *Engine {
	return &Engine{rules: rs}
}

// Evaluate runs the history-free checks in order: length threshold,
// prohibited patterns, prompt-injection heuristics. First match wins.
func (e *Engine) Evaluate(message string) Verdict {
	if len(message) > e.rules.MaxMessageLength {
		return Verdict{
			Allowed:    true, // low severity: recorded, not blocked
			Rule:       RuleMessageTooLong,
			Severity:   SeverityLow,
			Deflection: e.rules.Deflections.TooLong,
		}
	}

	normalized := strings.ToLower(strings.TrimSpace(message))

	for _, r := range e.rules.Prohibited {
		if r.Pattern.MatchString(normalized) {
			log.Warn().Str("rule", r.Name).Msg("prohibited_pattern_matched")
			return Verdict{
				Allowed:    false,
				Rule:       r.Name,
				Severity:   SeverityMedium,
				Deflection: e.deflection(r),
			}
		}
	}

	for _, r := range e.rules.Injection {
		if r.Pattern.MatchString(normalized) {
			log.Warn().Str("rule", r.Name).Msg("prompt_injection_detected")
			return Verdict{
				Allowed:    false,
				Rule:       r.Name,
				Severity:   SeverityHigh,
				Deflection: e.deflection(r),
			}
		}
	}

	return clean()
}

// EvaluateHistory runs the second-pass checks that need session context:
// exact repetition of the previous user message and message frequency within
// the spam window. history is the locked session's turn snapshot; now is the
// receipt time of the current message.
func (e *Engine) EvaluateHistory(message string, history []session.Turn, now time.Time) Verdict {
	normalized := strings.ToLower(strings.TrimSpace(message))

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != session.RoleUser {
			continue
		}
		if strings.ToLower(strings.TrimSpace(history[i].Text)) == normalized {
			return Verdict{
				Allowed:    true,
				Rule:       RuleRepeatedMessage,
				Severity:   SeverityLow,
				Deflection: e.rules.Deflections.Repeat,
			}
		}
		break
	}

	cutoff := now.Add(-e.rules.Spam.Window)
	recent := 0
	for _, t := range history {
		if t.Role == session.RoleUser && t.Timestamp.After(cutoff) {
			recent++
		}
	}
	if recent >= e.rules.Spam.MaxMessages {
		return Verdict{
			Allowed:    true,
			Rule:       RuleSpamDetected,
			Severity:   SeverityLow,
			Deflection: e.rules.Deflections.Spam,
		}
	}

	return clean()
}

func (e *Engine) deflection(r CompiledRule) string {
	if r.Deflection != "" {
		return r.Deflection
	}
	return e.rules.Deflections.Blocked
}
