package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/paflow/internal/models"
)

func render(t *testing.T, state models.CaseState) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, state))
	return buf.String()
}

func TestRenderApproved(t *testing.T) {
	state := models.NewCaseState("doc")
	state.Record(models.StepCaseNormalizer, map[string]any{"payer": "Acme"})
	state.Record(models.StepDecisionEngine, map[string]any{"decision": "APPROVE"})

	out := render(t, state)
	assert.Contains(t, out, "--- Normalized case JSON ---\n{\n  \"payer\": \"Acme\"\n}\n")
	assert.Contains(t, out, "--- Decision output ---\n{\n  \"decision\": \"APPROVE\"\n}\n")
	assert.NotContains(t, out, "Denial letter")
	assert.NotContains(t, out, "warning")
}

func TestRenderDenied(t *testing.T) {
	state := models.NewCaseState("doc")
	state.Record(models.StepDecisionEngine, map[string]any{"decision": "DENY"})
	state.Record(models.StepDenialLetter, map[string]any{"denial_letter": "We regret to inform you."})
	state.Record(models.StepAppealDrafter, map[string]any{
		"appeal_letter":    "We request reconsideration.",
		"missing_evidence": []any{"PT notes"},
	})

	out := render(t, state)
	assert.Contains(t, out, "--- Denial letter ---\nWe regret to inform you.\n")
	assert.Contains(t, out, "--- Appeal letter ---\nWe request reconsideration.\n")
	assert.Contains(t, out, "--- Missing evidence list ---\n[\n  \"PT notes\"\n]\n")
	assert.NotContains(t, out, "Normalized case")
}

func TestRenderSkipsErroredEntries(t *testing.T) {
	state := models.NewCaseState("doc")
	state.Record(models.StepCaseNormalizer, map[string]any{models.ErrorKey: "bad"})
	out := render(t, state)
	assert.NotContains(t, out, "Normalized case")
}

func TestWarnings(t *testing.T) {
	state := models.NewCaseState("doc")
	state.Record(models.StepCaseNormalizer, map[string]any{models.RawKey: "prose about unverified things"})
	state.Record(models.StepCodingValidation, map[string]any{"provider": map[string]any{"status": "unverified"}})
	state.Record(models.StepCoverageEligibility, map[string]any{"coverage_eligible": true})
	state.Fail("step pa_medical_necessity: timeout")

	assert.Equal(t, []string{
		"error: pipeline stopped early: step pa_medical_necessity: timeout",
		"warning: pa_case_normalizer output was not valid JSON; raw text kept",
		"warning: pa_coding_provider_validation relies on unverified lookups",
	}, Warnings(state))

	out := render(t, state)
	assert.Contains(t, out, "error: pipeline stopped early")
	assert.Contains(t, out, "raw text kept")
}
