package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const mcpServerName = "paflow"

// ClaudeCLI runs each step through `claude -p`. When ToolServer is set, the
// CLI is handed an MCP config that launches it with the step name so tool
// calls are attributed to the right step.
type ClaudeCLI struct {
	Command string
	Model   string
	// ToolServer is the executable serving the tool registry over MCP stdio
	// via its `mcp` subcommand. Empty disables tools.
	ToolServer string
	MaxTurns   int
	Logger     *slog.Logger
}

func NewClaudeCLI(model, toolServer string, maxTurns int, logger *slog.Logger) *ClaudeCLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeCLI{
		Command:    "claude",
		Model:      model,
		ToolServer: toolServer,
		MaxTurns:   maxTurns,
		Logger:     logger,
	}
}

func (c *ClaudeCLI) Name() string { return "claude" }

type claudeResult struct {
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	SessionID string `json:"session_id"`
}

func (c *ClaudeCLI) Complete(ctx context.Context, req Request) (string, error) {
	args := []string{
		"-p", withContext(req.Prompt, req.Context),
		"--output-format", "json",
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.MaxTurns))
	}

	if c.ToolServer != "" {
		cfgPath, cleanup, err := writeMCPConfig(c.ToolServer, req)
		if err != nil {
			return "", err
		}
		defer cleanup()
		args = append(args,
			"--mcp-config", cfgPath,
			"--allowedTools", "mcp__"+mcpServerName,
		)
	}

	cmd := exec.CommandContext(ctx, c.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("claude CLI failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	var result claudeResult
	if err := json.Unmarshal(out, &result); err != nil {
		// Older CLIs print plain text.
		if len(out) == 0 {
			return "", ErrEmptyResponse
		}
		return string(out), nil
	}
	if result.IsError {
		return "", fmt.Errorf("claude CLI reported an error: %s", result.Result)
	}
	c.Logger.Debug("claude completion",
		slog.String("step", req.Step),
		slog.String("session_id", result.SessionID),
	)
	if strings.TrimSpace(result.Result) == "" {
		return "", ErrEmptyResponse
	}
	return result.Result, nil
}

type mcpServerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func writeMCPConfig(server string, req Request) (string, func(), error) {
	args := []string{"mcp", "--step", req.Step}
	if req.RunID > 0 {
		args = append(args, "--run", strconv.FormatInt(req.RunID, 10))
	}
	cfg := map[string]any{
		"mcpServers": map[string]mcpServerConfig{
			mcpServerName: {Command: server, Args: args},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", nil, err
	}

	dir, err := os.MkdirTemp("", "paflow-mcp-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create mcp config dir: %w", err)
	}
	path := filepath.Join(dir, "mcp.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("failed to write mcp config: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}
