package agents

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Prompt sections rendered by the engine.
const (
	SectionWorker = "worker"
	SectionAudit  = "audit"
	SectionRework = "rework"
)

// PromptVars is the data handed to a prompt template. The engine fills it;
// the template decides what the agent sees.
type PromptVars struct {
	Identifier   string
	Title        string
	Description  string
	Comments     string
	WorktreePath string
	Tier         string
	Attempt      int
	Gaps         []string
}

// PromptBuilder renders a named prompt section to final text.
type PromptBuilder interface {
	Render(section string, vars PromptVars) (string, error)
}

// templateFuncs provides helper functions for prompt templates.
var templateFuncs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
	"add":   func(a, b int) int { return a + b },
	"sub":   func(a, b int) int { return a - b },
}

// TemplateBuilder renders prompts from markdown templates on disk. Each
// section is a file <section>.md; a shared-rules.md next to them is loaded as
// a named template for {{template "shared-rules.md" .}} includes.
type TemplateBuilder struct {
	dir string
}

// NewTemplateBuilder creates a builder over a prompts directory.
func NewTemplateBuilder(dir string) *TemplateBuilder {
	return &TemplateBuilder{dir: dir}
}

// Render loads and executes the section's template.
func (b *TemplateBuilder) Render(section string, vars PromptVars) (string, error) {
	path := filepath.Join(b.dir, section+".md")
	raw, err := os.ReadFile(path) // #nosec G304 -- prompts dir from internal config
	if err != nil {
		return "", fmt.Errorf("failed to read prompt template %s: %w", path, err)
	}

	tmpl := template.New(section).Funcs(templateFuncs)

	sharedPath := filepath.Join(b.dir, "shared-rules.md")
	if shared, err := os.ReadFile(sharedPath); err == nil { // #nosec G304 -- sibling of prompts dir
		if _, err := tmpl.New("shared-rules.md").Parse(string(shared)); err != nil {
			return "", fmt.Errorf("failed to parse shared-rules template: %w", err)
		}
	}

	if _, err := tmpl.Parse(string(raw)); err != nil {
		return "", fmt.Errorf("failed to parse prompt template %s: %w", path, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", section, err)
	}
	return buf.String(), nil
}

// ValidatePrompts checks that the required section files exist.
func (b *TemplateBuilder) ValidatePrompts() []string {
	var problems []string
	for _, section := range []string{SectionWorker, SectionAudit, SectionRework} {
		path := filepath.Join(b.dir, section+".md")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			problems = append(problems, "missing prompt file: "+path)
		}
	}
	return problems
}
