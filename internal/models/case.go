package models

import "strings"

// Reserved case state keys.
const (
	DocumentsKey = "documents"
	ErrorKey     = "_error"
	RawKey       = "_raw"
)

// CaseState accumulates step outputs for one pipeline run, keyed by step name.
// Step entries are always JSON objects (parsed output or a raw fallback).
type CaseState map[string]any

func NewCaseState(documents string) CaseState {
	return CaseState{DocumentsKey: documents}
}

func (c CaseState) Documents() string {
	s, _ := c[DocumentsKey].(string)
	return s
}

// Output returns the object stored for a step.
func (c CaseState) Output(step string) (map[string]any, bool) {
	v, ok := c[step]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// Record stores a step's output. A key that is already present is never
// overwritten; Record reports whether the value was stored.
func (c CaseState) Record(step string, out map[string]any) bool {
	if _, exists := c[step]; exists {
		return false
	}
	c[step] = out
	return true
}

// Fail records a pipeline-level failure. Only the first failure is kept.
func (c CaseState) Fail(msg string) {
	if _, exists := c[ErrorKey]; exists {
		return
	}
	c[ErrorKey] = msg
}

func (c CaseState) Err() string {
	s, _ := c[ErrorKey].(string)
	return s
}

// Prior returns every step output recorded so far, without the documents
// blob or reserved keys.
func (c CaseState) Prior() map[string]any {
	prior := make(map[string]any, len(c))
	for k, v := range c {
		if k == DocumentsKey || strings.HasPrefix(k, "_") {
			continue
		}
		prior[k] = v
	}
	return prior
}

// RawSteps lists steps whose output could not be parsed.
func (c CaseState) RawSteps() []string {
	var steps []string
	for k := range c {
		if out, ok := c.Output(k); ok {
			if _, raw := out[RawKey]; raw {
				steps = append(steps, k)
			}
		}
	}
	return steps
}

// ContainsUnverified reports whether "unverified" appears anywhere in v.
func ContainsUnverified(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, "unverified")
	case map[string]any:
		for _, item := range t {
			if ContainsUnverified(item) {
				return true
			}
		}
	case []any:
		for _, item := range t {
			if ContainsUnverified(item) {
				return true
			}
		}
	}
	return false
}
