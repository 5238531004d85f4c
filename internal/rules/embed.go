package rules

import _ "embed"

// DefaultRules is the embedded rule set used when the operator does not
// provide a rules file.
//
//go:embed defaults.yaml
var DefaultRules []byte

// LoadDefault compiles the embedded default rule set.
func LoadDefault() (*RuleSet, error) {
	return Parse(DefaultRules)
}
