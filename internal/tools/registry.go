// Package tools provides the read-only lookup capabilities pipeline steps may
// call while reasoning.
//
// Every lookup fails soft: network and lookup errors come back as a result
// carrying status "unverified", never as a Go error. Each invocation is
// logged and recorded against the step named in the ExecContext passed to
// Invoke.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/paflow/internal/models"
)

// ErrUnknownTool is returned by Invoke for names the registry does not hold.
var ErrUnknownTool = errors.New("tools: unknown tool")

var tracer = otel.Tracer("github.com/mpataki/paflow/tools")

// StatusUnverified marks a result with no authoritative data behind it.
const StatusUnverified = "unverified"

const argsSummaryLimit = 200

// Result is the structured output of a lookup.
type Result map[string]any

// Unverified reports whether the result, or any item it lists, is marked
// unverified.
func (r Result) Unverified() bool {
	if s, _ := r["status"].(string); s == StatusUnverified {
		return true
	}
	for _, key := range []string{"items", "by_code", "by_condition"} {
		switch v := r[key].(type) {
		case []map[string]any:
			for _, item := range v {
				if s, _ := item["status"].(string); s == StatusUnverified {
					return true
				}
			}
		case Result:
			if v.Unverified() {
				return true
			}
		}
	}
	return false
}

// ExecContext identifies the pipeline step on whose behalf a tool runs.
type ExecContext struct {
	RunID int64
	Step  string
}

func (ec ExecContext) step() string {
	if ec.Step == "" {
		return "unknown"
	}
	return ec.Step
}

// Param describes one string argument of a tool.
type Param struct {
	Name        string
	Description string
	Required    bool
}

type Tool interface {
	Name() string
	Description() string
	Params() []Param
	Call(ctx context.Context, args map[string]string) Result
}

// Recorder persists tool call audit records.
type Recorder interface {
	RecordToolCall(rec *models.ToolCallRecord) error
}

type Registry struct {
	tools    map[string]Tool
	logger   *slog.Logger
	recorder Recorder

	mu    sync.Mutex
	cache map[string]Result
}

func NewRegistry(logger *slog.Logger, recorder Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		logger:   logger,
		recorder: recorder,
		cache:    make(map[string]Result),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}

// SetRecorder swaps the audit recorder, e.g. once a run record exists.
func (r *Registry) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// ResetCache drops cached results; call it between runs.
func (r *Registry) ResetCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Result)
}

// Invoke calls a tool by name. Identical calls within one run are served
// from cache but still audited.
func (r *Registry) Invoke(ctx context.Context, ec ExecContext, name string, args map[string]any) (Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	strArgs := stringArgs(args)
	full := encodeArgs(strArgs)
	summary := summarizeArgs(strArgs)
	r.logger.Info("tool call",
		slog.String("step", ec.step()),
		slog.String("tool", name),
		slog.String("args", summary),
	)

	key := name + ":" + full
	r.mu.Lock()
	res, cached := r.cache[key]
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "tool: "+name,
		trace.WithAttributes(
			attribute.String("tool.step", ec.step()),
			attribute.String("tool.args", summary),
			attribute.Bool("tool.cached", cached),
		),
	)
	defer span.End()

	if !cached {
		start := time.Now()
		res = t.Call(ctx, strArgs)
		if res == nil {
			res = Result{"status": StatusUnverified, "source_urls": []string{}}
		}
		r.logger.Debug("tool result",
			slog.String("step", ec.step()),
			slog.String("tool", name),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.Bool("unverified", res.Unverified()),
		)
		r.mu.Lock()
		r.cache[key] = res
		r.mu.Unlock()
	}

	span.SetAttributes(attribute.Bool("tool.unverified", res.Unverified()))
	r.record(ec, name, summary, res)
	return res, nil
}

func (r *Registry) record(ec ExecContext, name, summary string, res Result) {
	if r.recorder == nil {
		return
	}
	status := "ok"
	if res.Unverified() {
		status = StatusUnverified
	}
	rec := &models.ToolCallRecord{
		RunID:     ec.RunID,
		Step:      ec.step(),
		Tool:      name,
		Args:      summary,
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := r.recorder.RecordToolCall(rec); err != nil {
		r.logger.Warn("failed to record tool call", slog.String("tool", name), slog.Any("error", err))
	}
}

func stringArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// encodeArgs renders args as JSON with sorted keys.
func encodeArgs(args map[string]string) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// summarizeArgs is the logged and audited form of args, cut to 200 characters.
func summarizeArgs(args map[string]string) string {
	return truncate(encodeArgs(args), argsSummaryLimit)
}

type funcTool struct {
	name        string
	description string
	params      []Param
	fn          func(ctx context.Context, args map[string]string) Result
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return f.description }
func (f *funcTool) Params() []Param     { return f.params }

func (f *funcTool) Call(ctx context.Context, args map[string]string) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{"status": StatusUnverified, "error": fmt.Sprint(p), "source_urls": []string{}}
		}
	}()
	return f.fn(ctx, args)
}
