// Package llm is the language-model capability a pipeline step calls: a
// prompt plus prior step outputs in, free-form text out.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("llm: empty response")

type Request struct {
	RunID  int64
	Step   string
	Prompt string
	// Context holds the parsed outputs of the steps that already ran.
	Context map[string]any
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// contextHeader introduces prior step outputs after the step prompt.
const contextHeader = "This is the context you're working with:"

// withContext appends prior outputs to the prompt. Steps with no
// predecessors get the prompt unchanged.
func withContext(prompt string, prior map[string]any) string {
	if len(prior) == 0 {
		return prompt
	}
	data, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n")
	b.WriteString(contextHeader)
	b.WriteString("\n")
	b.Write(data)
	return b.String()
}
