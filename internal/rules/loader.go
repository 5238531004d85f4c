package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ruleSchema is the JSON Schema for the guardrail rules file. Validation
// failures here are startup-time fatal; the engine never reports a
// configuration error mid-request.
const ruleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "tienda21 guardrail rules",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "max_message_length": {"type": "integer", "minimum": 1},
    "deflections": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "blocked": {"type": "string"},
        "too_long": {"type": "string"},
        "spam": {"type": "string"},
        "repeat": {"type": "string"}
      }
    },
    "prohibited": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "pattern"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z0-9_-]+$"},
          "pattern": {"type": "string", "minLength": 1},
          "deflection": {"type": "string"}
        }
      }
    },
    "injection": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "pattern"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z0-9_-]+$"},
          "pattern": {"type": "string", "minLength": 1},
          "deflection": {"type": "string"}
        }
      }
    },
    "spam": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "window_seconds": {"type": "integer", "minimum": 1},
        "max_messages": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

// rawRuleSet mirrors the YAML file shape before compilation.
type rawRuleSet struct {
	MaxMessageLength int `yaml:"max_message_length"`
	Deflections      struct {
		Blocked string `yaml:"blocked"`
		TooLong string `yaml:"too_long"`
		Spam    string `yaml:"spam"`
		Repeat  string `yaml:"repeat"`
	} `yaml:"deflections"`
	Prohibited []rawRule `yaml:"prohibited"`
	Injection  []rawRule `yaml:"injection"`
	Spam       struct {
		WindowSeconds int `yaml:"window_seconds"`
		MaxMessages   int `yaml:"max_messages"`
	} `yaml:"spam"`
}

type rawRule struct {
	Name       string `yaml:"name"`
	Pattern    string `yaml:"pattern"`
	Deflection string `yaml:"deflection"`
}

// Defaults applied when the file omits a field.
const (
	defaultMaxMessageLength = 1000
	defaultSpamWindow       = 60 * time.Second
	defaultSpamMax          = 3

	defaultDeflectionBlocked = "No puedo procesar ese tipo de solicitud."
	defaultDeflectionTooLong = "Tu mensaje es demasiado largo. ¿Podrías resumirlo?"
	defaultDeflectionSpam    = "Estás enviando mensajes muy rápido. Esperá un momento, por favor."
	defaultDeflectionRepeat  = "Parece que ya enviaste ese mensaje."
)

// Load reads, validates, and compiles a rule set from a YAML file.
func Load(path string) (*RuleSet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return Parse(content)
}

// Parse validates and compiles a rule set from YAML bytes. Any schema or
// pattern error is fatal to the caller; a compiled RuleSet never fails at
// evaluation time.
func Parse(content []byte) (*RuleSet, error) {
	if err := validateSchema(content); err != nil {
		return nil, fmt.Errorf("rules schema validation: %w", err)
	}

	var raw rawRuleSet
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing rules YAML: %w", err)
	}

	rs := &RuleSet{
		MaxMessageLength: raw.MaxMessageLength,
		Spam: SpamConfig{
			Window:      time.Duration(raw.Spam.WindowSeconds) * time.Second,
			MaxMessages: raw.Spam.MaxMessages,
		},
		Deflections: Deflections{
			Blocked: raw.Deflections.Blocked,
			TooLong: raw.Deflections.TooLong,
			Spam:    raw.Deflections.Spam,
			Repeat:  raw.Deflections.Repeat,
		},
	}
	applyDefaults(rs)

	var err error
	if rs.Prohibited, err = compileRules(raw.Prohibited, "prohibited"); err != nil {
		return nil, err
	}
	if rs.Injection, err = compileRules(raw.Injection, "injection"); err != nil {
		return nil, err
	}
	return rs, nil
}

func applyDefaults(rs *RuleSet) {
	if rs.MaxMessageLength == 0 {
		rs.MaxMessageLength = defaultMaxMessageLength
	}
	if rs.Spam.Window == 0 {
		rs.Spam.Window = defaultSpamWindow
	}
	if rs.Spam.MaxMessages == 0 {
		rs.Spam.MaxMessages = defaultSpamMax
	}
	if rs.Deflections.Blocked == "" {
		rs.Deflections.Blocked = defaultDeflectionBlocked
	}
	if rs.Deflections.TooLong == "" {
		rs.Deflections.TooLong = defaultDeflectionTooLong
	}
	if rs.Deflections.Spam == "" {
		rs.Deflections.Spam = defaultDeflectionSpam
	}
	if rs.Deflections.Repeat == "" {
		rs.Deflections.Repeat = defaultDeflectionRepeat
	}
}

func compileRules(raws []rawRule, kind string) ([]CompiledRule, error) {
	out := make([]CompiledRule, 0, len(raws))
	for _, r := range raws {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling %s rule %q: %w", kind, r.Name, err)
		}
		out = append(out, CompiledRule{Name: r.Name, Pattern: re, Deflection: r.Deflection})
	}
	return out, nil
}

// validateSchema converts the YAML document to JSON and validates it against
// the rule schema.
func validateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleSchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("invalid rules configuration:\n%s", errMsg)
	}
	return nil
}

// normalizeYAML converts map[interface{}]interface{} trees (as produced by
// older YAML decoders) into map[string]interface{} so they can be marshalled
// to JSON.
func normalizeYAML(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i := range vv {
			vv[i] = normalizeYAML(vv[i])
		}
		return vv
	default:
		return v
	}
}
