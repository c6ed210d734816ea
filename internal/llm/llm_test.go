package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/paflow/internal/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWithContext(t *testing.T) {
	assert.Equal(t, "prompt", withContext("prompt", nil))

	out := withContext("prompt", map[string]any{"pa_case_normalizer": map[string]any{"payer": "Acme"}})
	assert.Contains(t, out, "prompt\n\n"+contextHeader+"\n")
	assert.Contains(t, out, `"payer": "Acme"`)
}

func fakeClaude(t *testing.T, stdout string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	outFile := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(outFile, []byte(stdout), 0644))

	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %q\ncat %q\n", argsFile, outFile)
	path := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path, argsFile
}

func TestClaudeCLIComplete(t *testing.T) {
	bin, argsFile := fakeClaude(t, `{"type":"result","result":"{\"decision\":\"APPROVE\"}","is_error":false,"session_id":"s1"}`)

	c := NewClaudeCLI("sonnet", "/usr/local/bin/paflow", 5, quietLogger())
	c.Command = bin

	out, err := c.Complete(context.Background(), Request{RunID: 3, Step: "pa_decision_engine", Prompt: "decide"})
	require.NoError(t, err)
	assert.Equal(t, `{"decision":"APPROVE"}`, out)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--output-format\njson\n")
	assert.Contains(t, string(args), "--model\nsonnet\n")
	assert.Contains(t, string(args), "--max-turns\n5\n")
	assert.Contains(t, string(args), "--mcp-config\n")
	assert.Contains(t, string(args), "--allowedTools\nmcp__paflow\n")
}

func TestClaudeCLIWithoutToolServer(t *testing.T) {
	bin, argsFile := fakeClaude(t, `{"result":"hello"}`)
	c := NewClaudeCLI("", "", 0, quietLogger())
	c.Command = bin

	out, err := c.Complete(context.Background(), Request{Step: "pa_case_normalizer", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(args), "--mcp-config")
}

func TestClaudeCLIErrors(t *testing.T) {
	bin, _ := fakeClaude(t, `{"result":"rate limited","is_error":true}`)
	c := NewClaudeCLI("", "", 0, quietLogger())
	c.Command = bin
	_, err := c.Complete(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)

	bin, _ = fakeClaude(t, `{"result":"  "}`)
	c.Command = bin
	_, err = c.Complete(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrEmptyResponse)

	c.Command = filepath.Join(t.TempDir(), "missing")
	_, err = c.Complete(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)
}

func TestWriteMCPConfig(t *testing.T) {
	path, cleanup, err := writeMCPConfig("/bin/paflow", Request{RunID: 9, Step: "pa_medical_necessity"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg struct {
		MCPServers map[string]mcpServerConfig `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "/bin/paflow", cfg.MCPServers["paflow"].Command)
	assert.Equal(t, []string{"mcp", "--step", "pa_medical_necessity", "--run", "9"}, cfg.MCPServers["paflow"].Args)

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

type staticSearcher struct{}

func (staticSearcher) Search(ctx context.Context, query string, domains []string, maxResults int) (*tools.SearchResponse, error) {
	return &tools.SearchResponse{
		Answer:  "72148 is MRI lumbar spine without contrast.",
		Results: []tools.SearchResult{{URL: "https://www.cms.gov/72148"}},
	}, nil
}

func chatResponse(msg map[string]any) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": "stop"}},
	}
}

func TestOpenAIToolLoop(t *testing.T) {
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)

		w.Header().Set("Content-Type", "application/json")
		if len(requests) == 1 {
			_ = json.NewEncoder(w).Encode(chatResponse(map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{
					"id":       "call_1",
					"type":     "function",
					"function": map[string]any{"name": "lookup_cpt", "arguments": `{"code":"72148"}`},
				}},
			}))
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse(map[string]any{
			"role":    "assistant",
			"content": `{"procedure_codes_valid": true}`,
		}))
	}))
	defer srv.Close()

	registry := tools.NewRegistry(quietLogger(), nil)
	tools.RegisterDefaults(registry, staticSearcher{}, nil)

	p := NewOpenAI("key", srv.URL+"/v1", "", registry, 4, quietLogger())
	out, err := p.Complete(context.Background(), Request{Step: "pa_coding_provider_validation", Prompt: "validate"})
	require.NoError(t, err)
	assert.Equal(t, `{"procedure_codes_valid": true}`, out)
	assert.Equal(t, "openai", p.Name())

	require.Len(t, requests, 2)
	assert.Equal(t, defaultOpenAIModel, requests[0]["model"])
	assert.Len(t, requests[0]["tools"], 6)

	msgs := requests[1]["messages"].([]any)
	require.Len(t, msgs, 3)
	toolMsg := msgs[2].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
	assert.Contains(t, toolMsg["content"], "https://www.cms.gov/72148")
}

func TestOpenAILastTurnHasNoTools(t *testing.T) {
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)
		_ = json.NewEncoder(w).Encode(chatResponse(map[string]any{"role": "assistant", "content": "{}"}))
	}))
	defer srv.Close()

	registry := tools.NewRegistry(quietLogger(), nil)
	tools.RegisterDefaults(registry, staticSearcher{}, nil)

	p := NewOpenAI("key", srv.URL+"/v1", "gpt-test", registry, 0, quietLogger())
	out, err := p.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
	require.Len(t, requests, 1)
	assert.NotContains(t, requests[0], "tools")
}

func TestOpenAIEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse(map[string]any{"role": "assistant", "content": ""}))
	}))
	defer srv.Close()

	p := NewOpenAI("key", srv.URL+"/v1", "", nil, 2, quietLogger())
	_, err := p.Complete(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
