package generate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// candidateSchema is the contract the generation provider must meet.
// Malformed output is a generation failure for the gap, never a silent
// acceptance.
const candidateSchema = `{
  "type": "array",
  "minItems": 1,
  "maxItems": 3,
  "items": {
    "type": "object",
    "required": ["text", "estimated_effort_hours", "required_cognition", "confidence", "reasoning"],
    "additionalProperties": false,
    "properties": {
      "text": {"type": "string", "minLength": 10, "maxLength": 200},
      "estimated_effort_hours": {"type": "number", "minimum": 8, "maximum": 160},
      "required_cognition": {"type": "string", "enum": ["low", "medium", "high"]},
      "confidence": {"type": "number", "minimum": 0, "maximum": 1},
      "reasoning": {"type": "string"}
    }
  }
}`

// Validator checks raw provider output against the candidate schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the candidate schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(candidateSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal candidate schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("candidates.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("candidates.json")
	if err != nil {
		return nil, fmt.Errorf("compile candidate schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// SchemaError describes schema-invalid provider output.
type SchemaError struct {
	Message string
	Raw     string
}

func (e *SchemaError) Error() string { return e.Message }

// Validate extracts the JSON payload from the provider's response text
// and checks it against the candidate schema, returning the validated
// JSON string.
func (v *Validator) Validate(responseText string) (string, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return "", &SchemaError{
			Message: "response does not contain valid JSON",
			Raw:     responseText,
		}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return "", &SchemaError{
			Message: fmt.Sprintf("invalid JSON: %s", err),
			Raw:     responseText,
		}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return "", &SchemaError{
			Message: fmt.Sprintf("schema validation failed: %s", err),
			Raw:     responseText,
		}
	}
	return jsonStr, nil
}

// extractJSON finds a JSON array or object in the response text.
func extractJSON(text string) string {
	// Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// Generic fenced block.
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// Raw JSON: first [ or { with a balanced close.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
