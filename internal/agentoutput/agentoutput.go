// Package agentoutput turns free-form agent text into a validated structured
// response. Parsing is two explicit stages: Extract isolates the first
// balanced JSON object, Decode validates it against the questions or plan
// schema.
package agentoutput

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"featurepilot/internal/domain"
)

const (
	TypeQuestions = "follow_up_questions"
	TypePlan      = "plan"
)

const (
	StageExtract  = "extract"
	StageDecode   = "decode"
	StageValidate = "validate"
)

var ErrNoJSONObject = errors.New("no balanced JSON object in text")

// ParseError reports which stage rejected the text. Raw holds the input.
type ParseError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("agent output %s: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FieldError names the offending field of a structurally invalid output.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Output is a validated agent response; exactly one of Questions or Plan is set.
type Output struct {
	Type      string
	Questions []domain.Question
	Plan      *domain.Plan
	// JSON is the extracted object, suitable for persisting as the plan payload.
	JSON json.RawMessage
}

// Extract returns the first balanced {...} in text. Braces inside JSON string
// literals are ignored, as is everything outside the object.
func Extract(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := matchBrace(text, start); end > 0 {
			return text[start : end+1], nil
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSONObject
}

func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// LooksStructured is a cheap pre-check for text worth handing to Parse.
func LooksStructured(text string) bool {
	return strings.Contains(text, "{") && strings.Contains(text, "\"type\"")
}

type envelope struct {
	Type      *string           `json:"type"`
	Questions []json.RawMessage `json:"questions"`
	Plan      json.RawMessage   `json:"plan"`
}

// Parse extracts and validates an agent response.
func Parse(text string) (Output, error) {
	obj, err := Extract(text)
	if err != nil {
		return Output{}, &ParseError{Stage: StageExtract, Raw: text, Err: err}
	}
	out, err := Decode([]byte(obj))
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Raw = text
		}
		return Output{}, err
	}
	return out, nil
}

// Decode validates a single JSON object against the response schemas.
func Decode(data []byte) (Output, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Output{}, &ParseError{Stage: StageDecode, Raw: string(data), Err: err}
	}
	fail := func(err error) (Output, error) {
		return Output{}, &ParseError{Stage: StageValidate, Raw: string(data), Err: err}
	}
	if env.Type == nil {
		return fail(&FieldError{Field: "type", Message: "is required"})
	}
	switch *env.Type {
	case TypeQuestions:
		questions, err := decodeQuestions(env.Questions)
		if err != nil {
			return fail(err)
		}
		return Output{Type: TypeQuestions, Questions: questions, JSON: compact(data)}, nil
	case TypePlan:
		if len(env.Plan) == 0 || bytes.Equal(bytes.TrimSpace(env.Plan), []byte("null")) {
			return fail(&FieldError{Field: "plan", Message: "is required"})
		}
		var plan domain.Plan
		if err := json.Unmarshal(env.Plan, &plan); err != nil {
			return fail(&FieldError{Field: "plan", Message: err.Error()})
		}
		if err := ValidatePlan(plan); err != nil {
			return fail(err)
		}
		return Output{Type: TypePlan, Plan: &plan, JSON: compact(data)}, nil
	default:
		return fail(&FieldError{Field: "type", Message: fmt.Sprintf("unknown type %q", *env.Type)})
	}
}

func decodeQuestions(raw []json.RawMessage) ([]domain.Question, error) {
	if len(raw) == 0 {
		return nil, &FieldError{Field: "questions", Message: "must contain at least one question"}
	}
	seen := map[string]bool{}
	questions := make([]domain.Question, 0, len(raw))
	for i, item := range raw {
		var q struct {
			ID       *string `json:"id"`
			Question *string `json:"question"`
			Context  *string `json:"context"`
			Required *bool   `json:"required"`
		}
		field := fmt.Sprintf("questions[%d]", i)
		if err := json.Unmarshal(item, &q); err != nil {
			return nil, &FieldError{Field: field, Message: err.Error()}
		}
		if q.ID == nil || strings.TrimSpace(*q.ID) == "" {
			return nil, &FieldError{Field: field + ".id", Message: "is required"}
		}
		if q.Question == nil || strings.TrimSpace(*q.Question) == "" {
			return nil, &FieldError{Field: field + ".question", Message: "is required"}
		}
		if q.Required == nil {
			return nil, &FieldError{Field: field + ".required", Message: "is required"}
		}
		if seen[*q.ID] {
			return nil, &FieldError{Field: field + ".id", Message: fmt.Sprintf("duplicate id %q", *q.ID)}
		}
		seen[*q.ID] = true
		out := domain.Question{ID: *q.ID, Question: *q.Question, Required: *q.Required}
		if q.Context != nil {
			out.Context = *q.Context
		}
		questions = append(questions, out)
	}
	return questions, nil
}

// ValidatePlan checks the plan's required fields, non-empty lists and that
// sub-agent dependencies name known sub-agents without forming a cycle.
func ValidatePlan(p domain.Plan) error {
	if strings.TrimSpace(p.PrimaryObjective) == "" {
		return &FieldError{Field: "plan.primaryObjective", Message: "is required"}
	}
	if strings.TrimSpace(p.Summary) == "" {
		return &FieldError{Field: "plan.summary", Message: "is required"}
	}
	if len(p.Steps) == 0 {
		return &FieldError{Field: "plan.steps", Message: "must contain at least one step"}
	}
	for i, s := range p.Steps {
		field := fmt.Sprintf("plan.steps[%d]", i)
		if s.ID == "" || s.Title == "" || s.Description == "" {
			return &FieldError{Field: field, Message: "id, title and description are required"}
		}
		if len(s.Deliverables) == 0 {
			return &FieldError{Field: field + ".deliverables", Message: "must not be empty"}
		}
	}
	ids := map[string]bool{}
	for i, sa := range p.SubAgents {
		field := fmt.Sprintf("plan.subAgents[%d]", i)
		if sa.ID == "" || sa.Name == "" || sa.Scope == "" || sa.Instructions == "" {
			return &FieldError{Field: field, Message: "id, name, scope and instructions are required"}
		}
		if ids[sa.ID] {
			return &FieldError{Field: field + ".id", Message: fmt.Sprintf("duplicate id %q", sa.ID)}
		}
		ids[sa.ID] = true
		if len(sa.Tasks) == 0 {
			return &FieldError{Field: field + ".tasks", Message: "must contain at least one task"}
		}
		for j, t := range sa.Tasks {
			tf := fmt.Sprintf("%s.tasks[%d]", field, j)
			if t.ID == "" || t.Title == "" || t.Details == "" {
				return &FieldError{Field: tf, Message: "id, title and details are required"}
			}
			if len(t.AcceptanceCriteria) == 0 {
				return &FieldError{Field: tf + ".acceptanceCriteria", Message: "must not be empty"}
			}
		}
	}
	for i, sa := range p.SubAgents {
		for _, dep := range sa.DependsOn {
			if !ids[dep] {
				return &FieldError{Field: fmt.Sprintf("plan.subAgents[%d].dependsOn", i), Message: fmt.Sprintf("unknown sub-agent %q", dep)}
			}
			if dep == sa.ID {
				return &FieldError{Field: fmt.Sprintf("plan.subAgents[%d].dependsOn", i), Message: "sub-agent depends on itself"}
			}
		}
	}
	if cyc := findCycle(p.SubAgents); cyc != "" {
		return &FieldError{Field: "plan.subAgents", Message: fmt.Sprintf("dependency cycle through %q", cyc)}
	}
	return nil
}

func findCycle(subAgents []domain.SubAgent) string {
	deps := make(map[string][]string, len(subAgents))
	for _, sa := range subAgents {
		deps[sa.ID] = sa.DependsOn
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if c := visit(d); c != "" {
				return c
			}
		}
		state[id] = done
		return ""
	}
	for _, sa := range subAgents {
		if c := visit(sa.ID); c != "" {
			return c
		}
	}
	return ""
}

// PlanFromPayload decodes a stored payload and requires it to be a valid plan.
func PlanFromPayload(payload json.RawMessage) (domain.Plan, error) {
	out, err := Decode(payload)
	if err != nil {
		return domain.Plan{}, err
	}
	if out.Type != TypePlan {
		return domain.Plan{}, &ParseError{Stage: StageValidate, Raw: string(payload), Err: &FieldError{Field: "type", Message: "is not a plan"}}
	}
	return *out.Plan, nil
}

// QuestionsFromPayload decodes a stored payload and requires it to hold questions.
func QuestionsFromPayload(payload json.RawMessage) ([]domain.Question, error) {
	out, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	if out.Type != TypeQuestions {
		return nil, &ParseError{Stage: StageValidate, Raw: string(payload), Err: &FieldError{Field: "type", Message: "is not a question set"}}
	}
	return out.Questions, nil
}

func compact(data []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return json.RawMessage(data)
	}
	return json.RawMessage(buf.Bytes())
}
