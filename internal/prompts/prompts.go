// Package prompts renders the text sent to the coding agent. Templates are
// embedded; a file with the same name in an override directory wins.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"featurepilot/internal/domain"
)

//go:embed templates/*.tmpl
var embedded embed.FS

const (
	Orchestrator = "orchestrator.tmpl"
	SubAgent     = "subagent.tmpl"
	Answers      = "answers.tmpl"
)

type Loader struct {
	overrideDirs []string

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewLoader checks overrideDirs in order before the embedded templates.
func NewLoader(overrideDirs ...string) *Loader {
	dirs := make([]string, 0, len(overrideDirs))
	for _, d := range overrideDirs {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return &Loader{overrideDirs: dirs, cache: make(map[string]*template.Template)}
}

func (l *Loader) load(name string) (*template.Template, error) {
	l.mu.RLock()
	tmpl, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	content, err := l.content(name)
	if err != nil {
		return nil, fmt.Errorf("load prompt %s: %w", name, err)
	}
	tmpl, err = template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("compile prompt %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.mu.Unlock()
	return tmpl, nil
}

func (l *Loader) content(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embedded, "templates/"+name)
}

// Execute renders the named template with data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, err := l.load(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// OrchestratorPrompt is the initial instruction for the planning agent.
func (l *Loader) OrchestratorPrompt(o domain.Orchestration) (string, error) {
	return l.Execute(Orchestrator, o)
}

type subAgentData struct {
	domain.Orchestration
	Plan     domain.Plan
	SubAgent *domain.SubAgent
}

// SubAgentPrompt renders the execution prompt for one sub-agent. A nil
// subAgent means a single agent executes the whole plan.
func (l *Loader) SubAgentPrompt(o domain.Orchestration, plan domain.Plan, subAgent *domain.SubAgent) (string, error) {
	return l.Execute(SubAgent, subAgentData{Orchestration: o, Plan: plan, SubAgent: subAgent})
}

// Answer is one user answer in question order.
type Answer struct {
	N        int
	Question domain.Question
	Text     string
}

// Line is the message stored for an answer.
func (a Answer) Line() string {
	return fmt.Sprintf("Answer %d (question %s): %s", a.N, a.Question.ID, a.Text)
}

// AnswersFollowup renders the follow-up sent after the user answers.
func (l *Loader) AnswersFollowup(answers []Answer) (string, error) {
	return l.Execute(Answers, struct{ Answers []Answer }{answers})
}
