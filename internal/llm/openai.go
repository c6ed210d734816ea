package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mpataki/paflow/internal/tools"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI drives chat completions with the tool registry exposed as function
// tools. Tool calls run through the registry under the requesting step.
type OpenAI struct {
	name     string
	client   *openai.Client
	model    string
	registry *tools.Registry
	maxTurns int
	logger   *slog.Logger
}

// NewOpenAI talks to the OpenAI API, or a compatible endpoint when baseURL
// is set.
func NewOpenAI(apiKey, baseURL, model string, registry *tools.Registry, maxTurns int, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return newOpenAI("openai", cfg, model, registry, maxTurns, logger)
}

// NewAzure uses an Azure OpenAI deployment; model is the deployment name.
func NewAzure(apiKey, endpoint, model string, registry *tools.Registry, maxTurns int, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	return newOpenAI("azure", cfg, model, registry, maxTurns, logger)
}

func newOpenAI(name string, cfg openai.ClientConfig, model string, registry *tools.Registry, maxTurns int, logger *slog.Logger) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		name:     name,
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		registry: registry,
		maxTurns: maxTurns,
		logger:   logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: withContext(req.Prompt, req.Context)},
	}
	defs := o.toolDefinitions()
	ec := tools.ExecContext{RunID: req.RunID, Step: req.Step}

	for turn := 0; ; turn++ {
		chat := openai.ChatCompletionRequest{
			Model:    o.model,
			Messages: messages,
		}
		// The last turn gets no tools so the model has to answer.
		if turn < o.maxTurns {
			chat.Tools = defs
		}

		resp, err := o.client.CreateChatCompletion(ctx, chat)
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyResponse
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 || chat.Tools == nil {
			if strings.TrimSpace(msg.Content) == "" {
				return "", ErrEmptyResponse
			}
			return msg.Content, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    o.runTool(ctx, ec, call),
				ToolCallID: call.ID,
			})
		}
	}
}

func (o *OpenAI) runTool(ctx context.Context, ec tools.ExecContext, call openai.ToolCall) string {
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			o.logger.Warn("malformed tool arguments",
				slog.String("step", ec.Step),
				slog.String("tool", call.Function.Name),
				slog.Any("error", err),
			)
		}
	}

	res, err := o.registry.Invoke(ctx, ec, call.Function.Name, args)
	if err != nil {
		res = tools.Result{"status": tools.StatusUnverified, "error": err.Error(), "source_urls": []string{}}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return `{"status":"unverified","source_urls":[]}`
	}
	return string(data)
}

func (o *OpenAI) toolDefinitions() []openai.Tool {
	if o.registry == nil {
		return nil
	}
	var defs []openai.Tool
	for _, t := range o.registry.List() {
		props := make(map[string]any)
		required := []string{}
		for _, p := range t.Params() {
			props[p.Name] = map[string]any{"type": "string", "description": p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return defs
}
