package prompt

import (
	"strings"
	"testing"

	"github.com/mpataki/paflow/internal/models"
	"github.com/stretchr/testify/assert"
)

func coverageSkill() *models.SkillSpec {
	return &models.SkillSpec{
		Name:         models.StepCoverageEligibility,
		Role:         "Coverage analyst",
		Instructions: "Check coverage.",
		OutputSchema: `{"coverage_eligible": "boolean"}`,
	}
}

func TestBuildSectionOrder(t *testing.T) {
	input := map[string]any{"payer": map[string]any{"name": "Acme"}, "procedures_requested": []any{}}
	p := Build(coverageSkill(), input)

	assert.True(t, strings.HasPrefix(p, Guardrails+"\n"))

	markers := []string{
		Guardrails,
		"I am executing skill: pa_coverage_eligibility",
		"## Authoritative Web Search",
		"## Your role\nCoverage analyst",
		"## Instructions\nCheck coverage.",
		"## Tool usage\nYou MUST use lookup_cms_coverage",
		"## Input (use this to produce the output)\n```json\n{\n  \"payer\": {\n    \"name\": \"Acme\"\n  },\n  \"procedures_requested\": []\n}\n```",
		"## Required output",
		"```json\n{\"coverage_eligible\": \"boolean\"}\n```",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(p, m)
		if assert.GreaterOrEqual(t, idx, 0, "missing %q", m) {
			assert.Greater(t, idx, last, "out of order: %q", m)
			last = idx
		}
	}
	assert.True(t, strings.HasSuffix(p, "```"))
}

func TestBuildOmitsPolicyForNonToolSteps(t *testing.T) {
	s := &models.SkillSpec{Name: models.StepDecisionEngine}
	p := Build(s, nil)

	assert.NotContains(t, p, "Authoritative Web Search")
	assert.Contains(t, p, "## Tool usage\n"+defaultToolUsage)
	assert.Contains(t, p, "```json\n{}\n```")
}

func TestBuildIsDeterministic(t *testing.T) {
	input := map[string]any{"b": 1, "a": []any{"x", "y"}, "c": map[string]any{"z": true, "k": "<tag>"}}
	first := Build(coverageSkill(), input)
	second := Build(coverageSkill(), input)
	assert.Equal(t, first, second)
	assert.Contains(t, first, `"k": "<tag>"`)
}

func TestToolSteps(t *testing.T) {
	assert.True(t, UsesTools(models.StepCodingValidation))
	assert.True(t, UsesTools(models.StepAppealDrafter))
	assert.False(t, UsesTools(models.StepCaseNormalizer))
	assert.False(t, UsesTools(models.StepDenialLetter))
}
