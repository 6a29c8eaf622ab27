package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestTemplateBuilderRendersSectionWithSharedRules(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "shared-rules.md", "Rules for the {{.Tier | title}} tier.")
	writePrompt(t, dir, "worker.md", `{{template "shared-rules.md" .}}
Implement {{.Identifier}}: {{.Title}} in {{.WorktreePath}}.`)

	b := NewTemplateBuilder(dir)
	out, err := b.Render(SectionWorker, PromptVars{
		Identifier:   "CT-42",
		Title:        "Fix the flaky login test",
		WorktreePath: "/work/ct-42",
		Tier:         "junior",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Rules for the Junior tier.")
	assert.Contains(t, out, "Implement CT-42: Fix the flaky login test in /work/ct-42.")
}

func TestTemplateBuilderRendersGapsList(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "rework.md", `Attempt {{add .Attempt 1}}.
{{range .Gaps}}- {{.}}
{{end}}`)

	b := NewTemplateBuilder(dir)
	out, err := b.Render(SectionRework, PromptVars{
		Attempt: 1,
		Gaps:    []string{"no tests", "missing error handling"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Attempt 2.")
	assert.Contains(t, out, "- no tests")
	assert.Contains(t, out, "- missing error handling")
}

func TestTemplateBuilderMissingSection(t *testing.T) {
	b := NewTemplateBuilder(t.TempDir())

	_, err := b.Render(SectionAudit, PromptVars{})
	require.Error(t, err)
}

func TestValidatePromptsReportsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "worker.md", "w")

	problems := NewTemplateBuilder(dir).ValidatePrompts()
	assert.Len(t, problems, 2, "audit.md and rework.md are missing")
}

func TestShippedPromptTemplatesRender(t *testing.T) {
	// The templates shipped in the repo must parse and render with real vars.
	b := NewTemplateBuilder(filepath.Join("..", "prompts"))
	for _, section := range []string{SectionWorker, SectionAudit, SectionRework} {
		out, err := b.Render(section, PromptVars{
			Identifier:   "CT-1",
			Title:        "Add pagination",
			Description:  "The list endpoint needs cursor pagination.",
			WorktreePath: "/work/ct-1",
			Tier:         "medior",
			Attempt:      0,
			Gaps:         []string{"no tests"},
		})
		require.NoError(t, err, section)
		assert.Contains(t, out, "CT-1", section)
	}
}
