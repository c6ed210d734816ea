package mapper

import (
	"testing"

	"github.com/mpataki/paflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalizedState() models.CaseState {
	state := models.NewCaseState("Patient: Jane Doe")
	state[models.StepCaseNormalizer] = map[string]any{
		"patient":              map[string]any{"name": "Jane Doe"},
		"payer":                map[string]any{"name": "Acme Health"},
		"procedures_requested": []any{map[string]any{"code": "99213"}},
		"diagnoses":            []any{"M54.5"},
		"provider":             map[string]any{"npi": "1234567890"},
	}
	return state
}

func TestBuildNormalizerUsesDocuments(t *testing.T) {
	in := Build(models.StepCaseNormalizer, models.NewCaseState("raw text"))
	assert.Equal(t, map[string]any{"documents": "raw text"}, in)
}

func TestBuildCoverageEligibilityReadsOnlyNormalizer(t *testing.T) {
	in := Build(models.StepCoverageEligibility, normalizedState())
	assert.Equal(t, map[string]any{
		"procedures_requested": []any{map[string]any{"code": "99213"}},
		"payer":                map[string]any{"name": "Acme Health"},
	}, in)
}

func TestBuildDefaultsWhenUpstreamMissing(t *testing.T) {
	state := models.NewCaseState("")

	assert.Equal(t, map[string]any{
		"procedures_requested": []any{},
		"payer":                map[string]any{},
	}, Build(models.StepCoverageEligibility, state))

	decision := Build(models.StepDecisionEngine, state)
	assert.Equal(t, false, decision["coverage_eligible"])
	assert.Equal(t, "", decision["coverage_basis"])
	assert.Equal(t, false, decision["medical_necessity_met"])
	assert.Equal(t, []any{}, decision["criteria_met"])
	assert.Equal(t, []any{}, decision["criteria_failed"])
	assert.Equal(t, false, decision["provider_valid"])
	assert.Equal(t, []any{}, decision["validation_issues"])

	appeal := Build(models.StepAppealDrafter, state)
	assert.Equal(t, map[string]any{}, appeal["coverage_assessment"])
	caseData := appeal["case_data"].(map[string]any)
	assert.Equal(t, map[string]any{}, caseData["patient"])
	assert.Equal(t, map[string]any{}, caseData["imaging"])
}

func TestBuildToleratesRawFallbackUpstream(t *testing.T) {
	state := models.NewCaseState("")
	state[models.StepCaseNormalizer] = map[string]any{models.RawKey: "not json"}
	state[models.StepCodingValidation] = "unexpected"

	in := Build(models.StepCodingValidation, state)
	assert.Equal(t, []any{}, in["diagnoses"])
	assert.Equal(t, map[string]any{}, in["provider"])

	decision := Build(models.StepDecisionEngine, state)
	assert.Equal(t, false, decision["diagnosis_codes_valid"])
}

func TestBuildDecisionFoldsUpstream(t *testing.T) {
	state := normalizedState()
	state[models.StepCoverageEligibility] = map[string]any{"coverage_eligible": true, "coverage_basis": "LCD L35936"}
	state[models.StepMedicalNecessity] = map[string]any{"medical_necessity_met": false, "criteria_failed": []any{"6 weeks PT"}}
	state[models.StepCodingValidation] = map[string]any{"provider_valid": true, "issues": []any{"modifier missing"}}

	in := Build(models.StepDecisionEngine, state)
	assert.Equal(t, true, in["coverage_eligible"])
	assert.Equal(t, "LCD L35936", in["coverage_basis"])
	assert.Equal(t, false, in["medical_necessity_met"])
	assert.Equal(t, []any{"6 weeks PT"}, in["criteria_failed"])
	assert.Equal(t, true, in["provider_valid"])
	assert.Equal(t, []any{"modifier missing"}, in["validation_issues"])
}

func TestBuildDenialLetter(t *testing.T) {
	state := normalizedState()
	state[models.StepDecisionEngine] = map[string]any{"decision": "DENY", "primary_reason": "not medically necessary"}

	in := Build(models.StepDenialLetter, state)
	assert.Equal(t, "DENY", in["decision"])
	assert.Equal(t, "not medically necessary", in["primary_reason"])
	assert.Equal(t, []any{}, in["secondary_reasons"])
	assert.Equal(t, []any{}, in["denial_codes"])

	caseData, ok := in["case_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "Jane Doe"}, caseData["patient"])
}

func TestBuildAppealDrafter(t *testing.T) {
	state := normalizedState()
	state[models.StepDecisionEngine] = map[string]any{"decision": "DENY", "primary_reason": "no imaging", "secondary_reasons": []any{"no PT"}}
	state[models.StepCoverageEligibility] = map[string]any{"coverage_eligible": true}

	in := Build(models.StepAppealDrafter, state)
	assert.Equal(t, []any{map[string]any{"primary_reason": "no imaging", "secondary_reasons": []any{"no PT"}}}, in["denial_reasons"])
	assert.Equal(t, map[string]any{"coverage_eligible": true}, in["coverage_assessment"])
	assert.Equal(t, map[string]any{"criteria_met": []any{}, "criteria_failed": []any{}}, in["medical_necessity_evaluation"])
}

func TestBuildUnknownStep(t *testing.T) {
	assert.Equal(t, map[string]any{}, Build("something_else", normalizedState()))
}

func TestDependenciesFollowPipelineOrder(t *testing.T) {
	order := []string{
		models.StepCaseNormalizer,
		models.StepCoverageEligibility,
		models.StepMedicalNecessity,
		models.StepCodingValidation,
		models.StepDecisionEngine,
		models.StepDenialLetter,
		models.StepAppealDrafter,
	}
	position := make(map[string]int, len(order))
	for i, s := range order {
		position[s] = i
	}

	assert.ElementsMatch(t, order, Steps())
	for _, step := range order {
		for _, dep := range Dependencies(step) {
			assert.Less(t, position[dep], position[step], "%s reads %s", step, dep)
		}
	}
}

func TestCompileRejectsBadProgram(t *testing.T) {
	_, err := Compile("{ unterminated")
	assert.Error(t, err)
}
