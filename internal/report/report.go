// Package report prints the outcome of a pipeline run: the normalized case,
// the decision, and for denials the letters and missing evidence.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/paflow/internal/models"
)

type styles struct {
	header lipgloss.Style
	warn   lipgloss.Style
	err    lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("220")),
		err:    r.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// Render writes the case state to w. Sections whose step is missing, or
// whose entry carries a pipeline error, are left out. Raw fallbacks and the
// pipeline error itself are reported as warnings at the end.
func Render(w io.Writer, state models.CaseState) error {
	st := newStyles(w)
	var b strings.Builder

	section := func(title, body string) {
		b.WriteString("\n")
		b.WriteString(st.header.Render("--- " + title + " ---"))
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}

	if out, ok := renderable(state, models.StepCaseNormalizer); ok {
		section("Normalized case JSON", indentJSON(out))
	}

	decision, ok := renderable(state, models.StepDecisionEngine)
	if ok {
		section("Decision output", indentJSON(decision))
	}

	if d, _ := decision["decision"].(string); d == "DENY" {
		if denial, ok := renderable(state, models.StepDenialLetter); ok {
			if letter, ok := denial["denial_letter"]; ok {
				section("Denial letter", text(letter))
			}
		}
		if appeal, ok := renderable(state, models.StepAppealDrafter); ok {
			if letter, ok := appeal["appeal_letter"]; ok {
				section("Appeal letter", text(letter))
			}
			if missing, ok := appeal["missing_evidence"]; ok {
				section("Missing evidence list", indentJSON(missing))
			}
		}
	}

	warnings := Warnings(state)
	if len(warnings) > 0 {
		b.WriteString("\n")
		for _, line := range warnings {
			style := st.warn
			if strings.HasPrefix(line, "error:") {
				style = st.err
			}
			b.WriteString(style.Render(line))
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Warnings lists the conditions a reader should know about: the pipeline
// error, steps stored as raw text, and steps that cite unverified lookups.
func Warnings(state models.CaseState) []string {
	var out []string
	if msg := state.Err(); msg != "" {
		out = append(out, "error: pipeline stopped early: "+msg)
	}

	raw := state.RawSteps()
	sort.Strings(raw)
	for _, step := range raw {
		out = append(out, fmt.Sprintf("warning: %s output was not valid JSON; raw text kept", step))
	}

	var unverified []string
	for step, v := range state.Prior() {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if _, isRaw := m[models.RawKey]; isRaw {
			continue
		}
		if models.ContainsUnverified(m) {
			unverified = append(unverified, step)
		}
	}
	sort.Strings(unverified)
	for _, step := range unverified {
		out = append(out, fmt.Sprintf("warning: %s relies on unverified lookups", step))
	}
	return out
}

func renderable(state models.CaseState, step string) (map[string]any, bool) {
	out, ok := state.Output(step)
	if !ok || len(out) == 0 {
		return nil, false
	}
	if _, failed := out[models.ErrorKey]; failed {
		return nil, false
	}
	return out, true
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func text(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return indentJSON(v)
}
