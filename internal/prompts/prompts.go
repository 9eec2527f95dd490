// Package prompts provides the role prompts delivered to agent sessions.
// Each prompt is an embedded markdown file with a yaml front-matter block;
// placeholders are hydrated at spawn time.
package prompts

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.md
var templates embed.FS

// Prompt names.
const (
	Worker        = "worker"
	MergeSteward  = "merge_steward"
	HealthSteward = "health_steward"
	Triage        = "triage"
	Director      = "director"
)

// InterruptedPreamble is prepended to the spawn prompt when a previous
// session could not be resumed and the agent starts fresh on in-flight work.
const InterruptedPreamble = "Your previous session was interrupted. " +
	"Review the current state of your worktree and task before continuing; " +
	"work may be partially complete."

// FrontMatter is the metadata block at the top of a prompt template.
type FrontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	ReadOnly    bool   `yaml:"read_only"`
}

// Prompt is a parsed template.
type Prompt struct {
	Meta FrontMatter
	Body string
}

// Vars are the placeholder values substituted into a prompt body.
type Vars struct {
	AgentName string
	TaskID    string
	TaskTitle string
	Worktree  string
	Branch    string
}

// Load parses the named prompt template.
func Load(name string) (*Prompt, error) {
	data, err := templates.ReadFile("templates/" + name + ".md")
	if err != nil {
		return nil, fmt.Errorf("unknown prompt %q: %w", name, err)
	}

	meta, body, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", name, err)
	}
	return &Prompt{Meta: meta, Body: body}, nil
}

// Hydrate substitutes placeholders in the prompt body.
func (p *Prompt) Hydrate(vars Vars) string {
	replacer := strings.NewReplacer(
		"{agent_name}", vars.AgentName,
		"{task_id}", vars.TaskID,
		"{task_title}", vars.TaskTitle,
		"{worktree}", vars.Worktree,
		"{branch}", vars.Branch,
	)
	return replacer.Replace(p.Body)
}

// Render loads and hydrates in one call.
func Render(name string, vars Vars) (string, error) {
	prompt, err := Load(name)
	if err != nil {
		return "", err
	}
	return prompt.Hydrate(vars), nil
}

// WithInterruptedPreamble prepends the interrupted-session notice.
func WithInterruptedPreamble(prompt string) string {
	return InterruptedPreamble + "\n\n" + prompt
}

func splitFrontMatter(content string) (FrontMatter, string, error) {
	var meta FrontMatter

	if !strings.HasPrefix(content, "---\n") {
		return meta, content, nil
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return meta, "", fmt.Errorf("unterminated front matter")
	}

	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return meta, "", fmt.Errorf("invalid front matter: %w", err)
	}
	body := strings.TrimLeft(rest[end+5:], "\n")
	return meta, body, nil
}
