// Package plan parses and validates the planner agent's output: a JSON array
// of step objects that drives the execution phase.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Step is one planner-produced unit of work consumed by the implementer.
type Step struct {
	Title      string   `json:"title"`
	Rationale  string   `json:"rationale"`
	Acceptance string   `json:"acceptance"`
	Files      []string `json:"files,omitempty"`
	Commands   []string `json:"commands,omitempty"`
}

// ParseError means the planner response was not a valid JSON array of steps.
// It is fatal for the job.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "plan parse error: " + e.Reason
}

const stepsSchema = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["title", "rationale", "acceptance"],
    "properties": {
      "title": {"type": "string", "minLength": 1},
      "rationale": {"type": "string"},
      "acceptance": {"type": "string"},
      "files": {"type": "array", "items": {"type": "string"}},
      "commands": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

var compiledSchema = mustCompile(stepsSchema)

func mustCompile(schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("steps.json", strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile("steps.json")
}

// Parse extracts the step array from the planner's response text. Models
// often wrap JSON in a code fence; the fence is stripped before decoding.
func Parse(text string) ([]Step, error) {
	raw := stripFence(strings.TrimSpace(text))
	if raw == "" {
		return nil, &ParseError{Reason: "empty response"}
	}

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("not JSON: %v", err)}
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("schema violation: %v", err)}
	}

	var steps []Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("decode steps: %v", err)}
	}
	return steps, nil
}

// PrettyJSON renders a step for inclusion in a context window.
func (s Step) PrettyJSON() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", s)
	}
	return string(b)
}

// stripFence removes a surrounding markdown code fence (``` or ```json).
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	// Drop the opening fence line and a matching closing fence.
	body := lines[1:]
	for len(body) > 0 && strings.TrimSpace(body[len(body)-1]) == "" {
		body = body[:len(body)-1]
	}
	if len(body) > 0 && strings.HasPrefix(strings.TrimSpace(body[len(body)-1]), "```") {
		body = body[:len(body)-1]
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}
