package plan

import (
	"errors"
	"strings"
	"testing"
)

func TestParseValidPlan(t *testing.T) {
	text := `[
		{"title": "Add handler", "rationale": "because", "acceptance": "tests pass", "files": ["a.go"]},
		{"title": "Wire route", "rationale": "because", "acceptance": "curl works"}
	]`
	steps, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps", len(steps))
	}
	if steps[0].Title != "Add handler" || steps[0].Files[0] != "a.go" {
		t.Fatalf("step = %+v", steps[0])
	}
}

func TestParseStripsCodeFence(t *testing.T) {
	text := "```json\n[{\"title\": \"t\", \"rationale\": \"r\", \"acceptance\": \"a\"}]\n```"
	steps, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Title != "t" {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestParseRejectsNonJSON(t *testing.T) {
	_, err := Parse("not json")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want ParseError", err)
	}
}

func TestParseRejectsWrongShape(t *testing.T) {
	cases := []string{
		`{}`,
		`[]`,
		`[{"title": "x"}]`,
		`[{"rationale": "r", "acceptance": "a"}]`,
		`["just a string"]`,
		`[{"title": "", "rationale": "r", "acceptance": "a"}]`,
	}
	for _, tc := range cases {
		if _, err := Parse(tc); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", tc)
		}
	}
}

func TestPrettyJSON(t *testing.T) {
	s := Step{Title: "x", Rationale: "y", Acceptance: "z"}
	out := s.PrettyJSON()
	if !strings.Contains(out, "\"title\": \"x\"") {
		t.Fatalf("pretty json = %s", out)
	}
}
