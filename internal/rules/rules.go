// Package rules implements the guardrail engine: a static rule set loaded and
// validated once at startup, and a pure evaluator applied to every inbound
// message before it may reach an LLM provider.
package rules

import (
	"regexp"
	"time"
)

// Severity of a guardrail verdict. Low verdicts are allowed but recorded;
// medium and high verdicts block the message from reaching the LLM.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Blocking reports whether the severity blocks LLM generation.
func (s Severity) Blocking() bool {
	return s == SeverityMedium || s == SeverityHigh
}

// Verdict is the outcome of evaluating one message. It is a value scoped to a
// single pipeline pass and is never persisted as-is; the pipeline records the
// rule name and severity on the session turn.
type Verdict struct {
	Allowed    bool
	Rule       string // violated rule name, "" when clean
	Severity   Severity
	Deflection string // policy-compliant reply for blocked or flagged messages
}

// clean is the verdict for a message that violates nothing.
func clean() Verdict {
	return Verdict{Allowed: true}
}

// RuleSet is the compiled, immutable guardrail configuration. It is built
// once at startup and shared by reference across all pipeline invocations;
// nothing mutates it after load.
type RuleSet struct {
	MaxMessageLength int
	Prohibited       []CompiledRule
	Injection        []CompiledRule
	Spam             SpamConfig
	Deflections      Deflections
}

// CompiledRule is a named, pre-compiled pattern.
type CompiledRule struct {
	Name       string
	Pattern    *regexp.Regexp
	Deflection string
}

// SpamConfig bounds message frequency within a sliding window, evaluated
// against session history.
type SpamConfig struct {
	Window      time.Duration
	MaxMessages int
}

// Deflections are the default replies used when a rule carries no specific
// deflection text.
type Deflections struct {
	Blocked string // prohibited content / injection
	TooLong string
	Spam    string
	Repeat  string
}
