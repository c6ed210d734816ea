package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/paflow/internal/models"
	"github.com/mpataki/paflow/internal/workspace"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutput
)

const (
	runListLimit = 20

	defaultWidth  = 100
	defaultHeight = 24
	// title and help lines around the output viewport
	outputChrome = 4
)

// Store is the read side of run history plus delete. DeleteRun is expected
// to remove the run's workspace as well.
type Store interface {
	ListRuns(limit int) ([]*models.Run, error)
	GetRun(id int64) (*models.Run, error)
	GetExecutionsForRun(runID int64) ([]*models.Execution, error)
	GetToolCallsForRun(runID int64) ([]*models.ToolCallRecord, error)
	DeleteRun(id int64) error
}

type App struct {
	store Store

	view            View
	runs            []*models.Run
	selectedIdx     int
	selectedRun     *models.Run
	executions      []*models.Execution
	toolCalls       []*models.ToolCallRecord
	selectedExecIdx int
	outputTitle     string
	outputContent   string
	output          viewport.Model

	width  int
	height int
	err    error
}

func NewApp(store Store) *App {
	return &App{
		store: store,
		view:  ViewRunList,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if a.view == ViewOutput {
			a.output.Width, a.output.Height = a.outputSize()
		}
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		// A run started from another terminal shows up as running.
		if a.view == ViewRunList && a.hasRunningRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.executions = msg.executions
			a.toolCalls = msg.toolCalls
			a.selectedExecIdx = 0
			a.view = ViewRunDetail
		}
		return a, nil

	case runDeletedMsg:
		a.err = msg.err
		return a, a.loadRuns

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.err = nil
		a.outputTitle = msg.title
		a.outputContent = msg.content
		a.output = viewport.New(a.outputSize())
		a.output.SetContent(a.outputContent)
		a.view = ViewOutput
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadRuns

	case "d":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.deleteRun(a.runs[a.selectedIdx])
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.executions = nil
		a.toolCalls = nil
		a.selectedExecIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedExecIdx > 0 {
			a.selectedExecIdx--
		}

	case "down", "j":
		if a.selectedExecIdx < len(a.executions)-1 {
			a.selectedExecIdx++
		}

	case "enter", "o":
		if len(a.executions) > 0 && a.selectedExecIdx < len(a.executions) && a.selectedRun != nil {
			return a, a.loadOutput(a.selectedRun, a.executions[a.selectedExecIdx])
		}

	case "s":
		if a.selectedRun != nil {
			return a, a.loadCaseState(a.selectedRun)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.outputTitle = ""
		a.outputContent = ""

	case "ctrl+c":
		return a, tea.Quit

	default:
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) outputSize() (int, int) {
	w, h := a.width, a.height
	if w <= 0 {
		w = defaultWidth
	}
	if h <= 0 {
		h = defaultHeight
	}
	return w, max(h-outputChrome, 1)
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPartial  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	decisionApprove = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	decisionPend    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	decisionDeny    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("PA Flow") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'paflow run'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status == models.RunStatusComplete {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := formatStatus(run.Status)
	age := formatAge(run.CreatedAt)
	decision := decisionOf(run.CaseState)
	caseID := truncate(run.CaseID, 12)
	return fmt.Sprintf("#%-3d %-12s %s  %-4s  %s", run.ID, caseID, status, age, formatDecision(decision))
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running ")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusPartial:
		return statusPartial.Render("⚠ partial ")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed  ")
	default:
		return fmt.Sprintf("○ %-8s", status)
	}
}

// decisionOf returns the decision engine's verdict, or "" when there is none.
func decisionOf(state models.CaseState) string {
	out, ok := state.Output(models.StepDecisionEngine)
	if !ok {
		return ""
	}
	d, _ := out["decision"].(string)
	return strings.ToUpper(strings.TrimSpace(d))
}

func formatDecision(decision string) string {
	switch decision {
	case "APPROVE":
		return decisionApprove.Render(decision)
	case "PEND":
		return decisionPend.Render(decision)
	case "DENY":
		return decisionDeny.Render(decision)
	default:
		return decision
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run #%d: %s", run.ID, run.CaseID)
	s := titleStyle.Render(header) + "  " + formatStatus(run.Status)
	if d := decisionOf(run.CaseState); d != "" {
		s += "  " + formatDecision(d)
	}
	s += "\n\n"

	if run.Error != "" {
		s += statusFailed.Render("Error: "+run.Error) + "\n\n"
	}

	s += labelStyle.Render("Skills:    ") + dimStyle.Render(run.SkillsDir) + "\n"
	s += labelStyle.Render("Documents: ") + dimStyle.Render(run.DocumentsDir) + "\n"
	s += labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n\n"

	s += "Steps\n"
	s += "─────\n"

	if len(a.executions) == 0 {
		s += "(no steps yet)\n"
	} else {
		for i, exec := range a.executions {
			line := a.formatExecLine(exec)
			if i == a.selectedExecIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if calls := a.toolCallsFor(a.selectedStep()); len(calls) > 0 {
		s += "\nTool calls\n"
		s += "──────────\n"
		for _, c := range calls {
			status := statusComplete.Render(c.Status)
			if c.Status != "ok" {
				status = statusPartial.Render(c.Status)
			}
			s += fmt.Sprintf("  %-20s %s  %s\n", c.Tool, status, dimStyle.Render(truncate(c.Args, 60)))
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [s] case state  [esc] back  [q] quit")

	return s
}

func (a *App) formatExecLine(exec *models.Execution) string {
	status := "○"
	switch exec.Status {
	case models.StepCompleted:
		status = statusComplete.Render("✓")
	case models.StepRunning:
		status = statusRunning.Render("●")
	case models.StepFailed:
		status = statusFailed.Render("✗")
	case models.StepSkipped:
		status = dimStyle.Render("–")
	}

	duration := ""
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		duration = dimStyle.Render(formatDuration(exec.CompletedAt.Sub(*exec.StartedAt)))
	} else if exec.StartedAt != nil && exec.Status == models.StepRunning {
		duration = statusRunning.Render(formatDuration(time.Since(*exec.StartedAt)) + "...")
	}

	// "1. pa_case_normalizer  ✓  32s  raw  unverified"
	line := fmt.Sprintf("%d. %-30s %s", exec.SequenceNum, exec.Step, status)
	if duration != "" {
		line += "  " + fmt.Sprintf("%6s", duration)
	}
	if exec.Status == models.StepCompleted && !exec.ParsedOK {
		line += "  " + statusPartial.Render("raw")
	}
	if exec.Unverified {
		line += "  " + statusPartial.Render("unverified")
	}
	if exec.Reason != "" {
		line += "  " + dimStyle.Render(truncate(exec.Reason, 50))
	}
	return line
}

func (a *App) selectedStep() string {
	if a.selectedExecIdx < len(a.executions) {
		return a.executions[a.selectedExecIdx].Step
	}
	return ""
}

func (a *App) toolCallsFor(step string) []*models.ToolCallRecord {
	var out []*models.ToolCallRecord
	for _, c := range a.toolCalls {
		if c.Step == step {
			out = append(out, c)
		}
	}
	return out
}

func (a *App) viewOutput() string {
	s := titleStyle.Render(a.outputTitle) + "\n\n"

	if a.outputContent == "" {
		s += "(no output)\n"
	} else {
		s += a.output.View() + "\n"
	}

	s += "\n" + helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")

	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run        *models.Run
	executions []*models.Execution
	toolCalls  []*models.ToolCallRecord
	err        error
}

type runDeletedMsg struct {
	runID int64
	err   error
}

type outputLoadedMsg struct {
	title   string
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.store.ListRuns(runListLimit)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.store.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		execs, err := a.store.GetExecutionsForRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		calls, err := a.store.GetToolCallsForRun(id)
		return runDetailMsg{run: run, executions: execs, toolCalls: calls, err: err}
	}
}

func (a *App) deleteRun(run *models.Run) tea.Cmd {
	return func() tea.Msg {
		if err := a.store.DeleteRun(run.ID); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: run.ID}
	}
}

// loadOutput prefers the parsed output; raw model text is read back from the
// workspace when the step never produced JSON.
func (a *App) loadOutput(run *models.Run, exec *models.Execution) tea.Cmd {
	return func() tea.Msg {
		title := fmt.Sprintf("%d. %s", exec.SequenceNum, exec.Step)
		if exec.ParsedOK && len(exec.Output) > 0 {
			data, err := json.MarshalIndent(exec.Output, "", "  ")
			if err != nil {
				return outputLoadedMsg{err: err}
			}
			return outputLoadedMsg{title: title, content: string(data)}
		}

		if run.WorkspacePath != "" {
			ws := &workspace.Workspace{Path: run.WorkspacePath}
			data, err := os.ReadFile(ws.OutputPath(exec.SequenceNum, exec.Step))
			if err == nil {
				return outputLoadedMsg{title: title, content: string(data)}
			}
			if !os.IsNotExist(err) {
				return outputLoadedMsg{err: fmt.Errorf("read output: %w", err)}
			}
		}

		if exec.Reason != "" {
			return outputLoadedMsg{title: title, content: exec.Reason}
		}
		return outputLoadedMsg{title: title}
	}
}

func (a *App) loadCaseState(run *models.Run) tea.Cmd {
	return func() tea.Msg {
		state := run.CaseState
		if len(state) == 0 && run.WorkspacePath != "" {
			ws := &workspace.Workspace{Path: run.WorkspacePath}
			loaded, err := ws.ReadCaseState()
			if err != nil {
				return outputLoadedMsg{err: err}
			}
			state = loaded
		}
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return outputLoadedMsg{err: err}
		}
		return outputLoadedMsg{title: "Case state", content: string(data)}
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
