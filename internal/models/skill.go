package models

import "fmt"

// Step names of the prior authorization pipeline.
const (
	StepCaseNormalizer      = "pa_case_normalizer"
	StepCoverageEligibility = "pa_coverage_eligibility"
	StepMedicalNecessity    = "pa_medical_necessity"
	StepCodingValidation    = "pa_coding_provider_validation"
	StepDecisionEngine      = "pa_decision_engine"
	StepDenialLetter        = "pa_denial_letter_generator"
	StepAppealDrafter       = "pa_appeal_drafter"

	// PolicySkill is loaded like any other skill document but is never
	// executed; it only describes the web search policy.
	PolicySkill = "authoritative_web_search"
)

// DefaultExecutionOrder sorts skills without an explicit order last.
const DefaultExecutionOrder = 99

// DenyCondition is the only condition expression the skill format recognizes.
const DenyCondition = `decision == "DENY"`

type SkillSpec struct {
	Name           string
	Description    string
	ExecutionOrder int
	Condition      string // raw front-matter value; empty means unconditional
	Gate           Gate
	Role           string
	Instructions   string
	InputSchema    string
	OutputSchema   string
	Path           string
}

// Conditional reports whether the document declared a condition at all.
// Any declared condition removes the skill from the main sequence.
func (s *SkillSpec) Conditional() bool {
	return s.Condition != ""
}

type GateKind int

const (
	GateAlways GateKind = iota
	GateFieldEquals
	GatePredecessorNonEmpty
)

// Gate decides whether a step runs, evaluated against the case state at the
// step's position in the sequence.
type Gate struct {
	Kind  GateKind
	Step  string
	Field string
	Value string
}

func AlwaysRun() Gate {
	return Gate{Kind: GateAlways}
}

func RunIfFieldEquals(step, field, value string) Gate {
	return Gate{Kind: GateFieldEquals, Step: step, Field: field, Value: value}
}

func RunIfPredecessorNonEmpty(step string) Gate {
	return Gate{Kind: GatePredecessorNonEmpty, Step: step}
}

// ParseCondition maps a front-matter condition onto a gate. Only DenyCondition
// is recognized; anything else runs unconditionally.
func ParseCondition(condition string) Gate {
	if condition == DenyCondition {
		return RunIfFieldEquals(StepDecisionEngine, "decision", "DENY")
	}
	return AlwaysRun()
}

// Allows evaluates the gate against the case state.
func (g Gate) Allows(state CaseState) bool {
	switch g.Kind {
	case GateFieldEquals:
		out, ok := state.Output(g.Step)
		if !ok {
			return false
		}
		v, ok := out[g.Field].(string)
		return ok && v == g.Value
	case GatePredecessorNonEmpty:
		out, ok := state.Output(g.Step)
		if !ok || len(out) == 0 {
			return false
		}
		// a raw fallback is not structured output
		_, raw := out[RawKey]
		return !raw
	default:
		return true
	}
}

func (g Gate) String() string {
	switch g.Kind {
	case GateFieldEquals:
		return fmt.Sprintf("%s.%s == %q", g.Step, g.Field, g.Value)
	case GatePredecessorNonEmpty:
		return fmt.Sprintf("%s produced output", g.Step)
	default:
		return "always"
	}
}
