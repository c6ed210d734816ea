package pipeline

import "github.com/mpataki/paflow/internal/models"

// Stage is one step of a plan together with the gate that decides whether
// it runs.
type Stage struct {
	Skill *models.SkillSpec
	Gate  models.Gate
	// ContextSteps restricts the prior outputs handed to the model. Nil
	// means every step that already ran.
	ContextSteps []string
}

func (s Stage) Name() string { return s.Skill.Name }

// Plan is the ordered list of stages for one run: the unconditioned main
// sequence followed by the gated denial and appeal steps.
type Plan struct {
	Stages []Stage
}

var conditionalSteps = map[string]bool{
	models.StepDenialLetter:  true,
	models.StepAppealDrafter: true,
}

// BuildPlan partitions loaded skills. Skills declaring any condition, the
// search policy document, and the two conditional steps are kept out of the
// main sequence; the conditional steps are appended with fixed gates when
// their documents were loaded.
func BuildPlan(skills []*models.SkillSpec) Plan {
	var plan Plan
	byName := make(map[string]*models.SkillSpec, len(skills))

	for _, s := range skills {
		byName[s.Name] = s
		if s.Name == models.PolicySkill || s.Conditional() || conditionalSteps[s.Name] {
			continue
		}
		plan.Stages = append(plan.Stages, Stage{Skill: s, Gate: models.AlwaysRun()})
	}
	if len(plan.Stages) == 0 {
		return plan
	}

	if denial, ok := byName[models.StepDenialLetter]; ok {
		plan.Stages = append(plan.Stages, Stage{
			Skill:        denial,
			Gate:         models.RunIfFieldEquals(models.StepDecisionEngine, "decision", "DENY"),
			ContextSteps: []string{models.StepDecisionEngine},
		})
	}
	if appeal, ok := byName[models.StepAppealDrafter]; ok {
		plan.Stages = append(plan.Stages, Stage{
			Skill:        appeal,
			Gate:         models.RunIfPredecessorNonEmpty(models.StepDenialLetter),
			ContextSteps: []string{models.StepDenialLetter},
		})
	}
	return plan
}

func (p Plan) Names() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name()
	}
	return names
}
