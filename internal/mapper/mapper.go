// Package mapper builds the input object each pipeline step embeds in its
// prompt. Every step's data dependencies are a jq program over the case
// state, so the whole dependency graph is readable in one table.
package mapper

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/itchyny/gojq"
	"github.com/mpataki/paflow/internal/models"
)

// Mapping extracts one step's input from a JSON-normalized case state.
type Mapping func(state map[string]any) map[string]any

type entry struct {
	program string
	deps    []string
	mapping Mapping
}

// Upstream outputs are selected with `objects` so that a missing or
// non-object entry reads as {} and every field falls back to its default.
var programs = map[string]struct {
	deps    []string
	program string
}{
	models.StepCaseNormalizer: {
		program: `{documents: (.documents // "")}`,
	},
	models.StepCoverageEligibility: {
		deps: []string{models.StepCaseNormalizer},
		program: `((.pa_case_normalizer | objects) // {}) as $n
| {
    procedures_requested: ($n.procedures_requested // []),
    payer: ($n.payer // {})
  }`,
	},
	models.StepMedicalNecessity: {
		deps: []string{models.StepCaseNormalizer},
		program: `((.pa_case_normalizer | objects) // {}) as $n
| {
    diagnoses: ($n.diagnoses // []),
    diagnosis_descriptions: ($n.diagnosis_descriptions // []),
    procedures_requested: ($n.procedures_requested // []),
    procedure_descriptions: ($n.procedure_descriptions // []),
    anatomical_levels: ($n.anatomical_levels // []),
    conservative_therapy: ($n.conservative_therapy // {}),
    imaging: ($n.imaging // {}),
    clinical_findings: ($n.clinical_findings // [])
  }`,
	},
	models.StepCodingValidation: {
		deps: []string{models.StepCaseNormalizer},
		program: `((.pa_case_normalizer | objects) // {}) as $n
| {
    diagnoses: ($n.diagnoses // []),
    procedures_requested: ($n.procedures_requested // []),
    provider: ($n.provider // {})
  }`,
	},
	models.StepDecisionEngine: {
		deps: []string{models.StepCoverageEligibility, models.StepMedicalNecessity, models.StepCodingValidation},
		program: `((.pa_coverage_eligibility | objects) // {}) as $c
| ((.pa_medical_necessity | objects) // {}) as $m
| ((.pa_coding_provider_validation | objects) // {}) as $v
| {
    coverage_eligible: ($c.coverage_eligible // false),
    coverage_basis: ($c.coverage_basis // ""),
    medical_necessity_met: ($m.medical_necessity_met // false),
    criteria_met: ($m.criteria_met // []),
    criteria_failed: ($m.criteria_failed // []),
    diagnosis_codes_valid: ($v.diagnosis_codes_valid // false),
    procedure_codes_valid: ($v.procedure_codes_valid // false),
    provider_valid: ($v.provider_valid // false),
    validation_issues: ($v.issues // [])
  }`,
	},
	models.StepDenialLetter: {
		deps: []string{models.StepDecisionEngine, models.StepCaseNormalizer},
		program: `((.pa_case_normalizer | objects) // {}) as $n
| ((.pa_decision_engine | objects) // {}) as $d
| {
    decision: ($d.decision // "DENY"),
    primary_reason: ($d.primary_reason // ""),
    secondary_reasons: ($d.secondary_reasons // []),
    payer: ($n.payer // {}),
    case_data: {
      patient: ($n.patient // {}),
      procedures_requested: ($n.procedures_requested // []),
      provider: ($n.provider // {})
    },
    denial_codes: ($d.denial_codes // [])
  }`,
	},
	models.StepAppealDrafter: {
		deps: []string{models.StepDenialLetter, models.StepDecisionEngine, models.StepCaseNormalizer, models.StepMedicalNecessity, models.StepCoverageEligibility},
		program: `((.pa_case_normalizer | objects) // {}) as $n
| ((.pa_decision_engine | objects) // {}) as $d
| ((.pa_medical_necessity | objects) // {}) as $m
| ((.pa_coverage_eligibility | objects) // {}) as $c
| {
    denial_reasons: [{
      primary_reason: ($d.primary_reason // ""),
      secondary_reasons: ($d.secondary_reasons // [])
    }],
    case_data: {
      patient: ($n.patient // {}),
      diagnoses: ($n.diagnoses // []),
      procedures_requested: ($n.procedures_requested // []),
      conservative_therapy: ($n.conservative_therapy // {}),
      imaging: ($n.imaging // {}),
      provider: ($n.provider // {})
    },
    medical_necessity_evaluation: {
      criteria_met: ($m.criteria_met // []),
      criteria_failed: ($m.criteria_failed // [])
    },
    coverage_assessment: $c
  }`,
	},
}

var table = compileAll()

func compileAll() map[string]entry {
	t := make(map[string]entry, len(programs))
	for step, p := range programs {
		m, err := Compile(p.program)
		if err != nil {
			panic(fmt.Sprintf("mapper: step %s: %v", step, err))
		}
		t[step] = entry{program: p.program, deps: p.deps, mapping: m}
	}
	return t
}

// Compile turns a jq program producing a single object into a Mapping.
// Evaluation errors or non-object results fall back to running the program
// against an empty state, which yields the declared defaults.
func Compile(program string) (Mapping, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	run := func(input map[string]any) (map[string]any, bool) {
		iter := code.Run(input)
		v, ok := iter.Next()
		if !ok {
			return nil, false
		}
		if _, isErr := v.(error); isErr {
			return nil, false
		}
		obj, ok := v.(map[string]any)
		return obj, ok
	}

	return func(state map[string]any) map[string]any {
		if out, ok := run(state); ok {
			return out
		}
		if out, ok := run(map[string]any{}); ok {
			return out
		}
		return map[string]any{}
	}, nil
}

// Build returns the input object for step. Unknown steps map to {}.
func Build(step string, state models.CaseState) map[string]any {
	e, ok := table[step]
	if !ok {
		return map[string]any{}
	}
	return e.mapping(normalize(state))
}

// Dependencies lists the steps whose outputs step reads.
func Dependencies(step string) []string {
	return append([]string(nil), table[step].deps...)
}

// Program returns the jq program behind a step's mapping.
func Program(step string) (string, bool) {
	e, ok := table[step]
	return e.program, ok
}

// Steps lists every step with a mapping, sorted by name.
func Steps() []string {
	steps := make([]string, 0, len(table))
	for s := range table {
		steps = append(steps, s)
	}
	sort.Strings(steps)
	return steps
}

// normalize converts the case state into plain JSON values, the only types
// gojq accepts.
func normalize(state models.CaseState) map[string]any {
	data, err := json.Marshal(state)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
