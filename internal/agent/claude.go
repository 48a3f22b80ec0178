package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/joescharf/yoke/internal/models"
)

// maxLineSize is the largest stream-json line accepted.
const maxLineSize = 10 << 20

// ClaudeConfig configures the claude CLI invocation.
type ClaudeConfig struct {
	Command   string   // binary name or path, default "claude"
	ExtraArgs []string // appended after the built-in flags
}

// ClaudeExecutor runs sessions through the claude CLI in stream-json mode.
type ClaudeExecutor struct {
	cfg    ClaudeConfig
	logger *slog.Logger
}

// NewClaudeExecutor creates a ClaudeExecutor.
func NewClaudeExecutor(cfg ClaudeConfig, logger *slog.Logger) *ClaudeExecutor {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeExecutor{cfg: cfg, logger: logger}
}

func (e *ClaudeExecutor) args(sc SessionContext) []string {
	args := []string{"-p", sc.Prompt, "--output-format", "stream-json", "--verbose"}
	if sc.Model != "" {
		args = append(args, "--model", sc.Model)
	}
	return append(args, e.cfg.ExtraArgs...)
}

// Run implements Executor.
func (e *ClaudeExecutor) Run(ctx context.Context, sc SessionContext, progress ProgressFunc) Outcome {
	if progress == nil {
		progress = func(ProgressEvent) {}
	}

	logFile, err := openLog(sc)
	if err != nil {
		return Fatal(fmt.Errorf("open session log: %w", err), nil)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.CommandContext(ctx, e.cfg.Command, e.args(sc)...)
	cmd.Dir = sc.ProjectPath
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Fatal(fmt.Errorf("stdout pipe: %w", err), nil)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Fatal(fmt.Errorf("start %s: %w", e.cfg.Command, err), nil)
	}
	e.logger.Debug("agent started", "session_id", sc.SessionID, "pid", cmd.Process.Pid, "attempt", sc.Attempt)

	st := newStreamState()
	scanErr := st.consume(io.TeeReader(stdout, logFile), progress)
	waitErr := cmd.Wait()

	metrics := st.metrics()
	metrics["duration_ms"] = time.Since(start).Milliseconds()

	return e.outcome(ctx, st, metrics, scanErr, waitErr, stderr.String())
}

func (e *ClaudeExecutor) outcome(ctx context.Context, st *streamState, metrics map[string]any, scanErr, waitErr error, stderr string) Outcome {
	if ctx.Err() != nil {
		return Outcome{Kind: OutcomeCancelled, Err: ctx.Err(), Metrics: metrics, CurrentTask: st.currentTask}
	}

	// The agent reporting a blocker wins even on a clean exit.
	if st.explicit != nil {
		o := Blocked(*st.explicit, metrics)
		o.CurrentTask = st.currentTask
		return o
	}

	failed := waitErr != nil || scanErr != nil || st.resultIsError
	if !failed {
		o := Success(metrics)
		o.CurrentTask = st.currentTask
		return o
	}

	candidates := append([]string{st.resultText, stderr}, st.recentErrors()...)
	for _, text := range candidates {
		if b, ok := BlockerFromText(text); ok {
			o := Blocked(*b, metrics)
			o.CurrentTask = st.currentTask
			return o
		}
	}

	msg := firstLine(st.resultText)
	if msg == "" {
		msg = firstLine(stderr)
	}
	if msg == "" {
		msg = "agent reported an error result"
	}
	cause := errors.New(msg)
	if err := errors.Join(waitErr, scanErr); err != nil {
		cause = fmt.Errorf("%s: %w", msg, err)
	}
	o := Fatal(cause, metrics)
	o.CurrentTask = st.currentTask
	return o
}

func openLog(sc SessionContext) (*os.File, error) {
	path := LogPath(sc.ProjectPath, sc.SessionNumber)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	// Retries of the same session append to one transcript.
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// streamMessage is the subset of a claude stream-json line yoke reads.
type streamMessage struct {
	Type    string  `json:"type"`
	Subtype string  `json:"subtype"`
	IsError bool    `json:"is_error"`
	Result  string  `json:"result"`
	NumTurn int     `json:"num_turns"`
	CostUSD float64 `json:"total_cost_usd"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	IsError bool            `json:"is_error"`
	Content json.RawMessage `json:"content"`
}

// streamState accumulates metrics and blocker evidence from a stream.
type streamState struct {
	toolCounts    map[string]int
	totalTools    int
	errorCount    int
	playwright    int
	screenshots   int
	turns         int
	costUSD       float64
	errors        []string
	explicit      *models.Blocker
	resultText    string
	resultIsError bool
	currentTask   string
}

func newStreamState() *streamState {
	return &streamState{toolCounts: make(map[string]int)}
}

// consume decodes NDJSON from r until EOF, forwarding progress in order.
func (st *streamState) consume(r io.Reader, progress ProgressFunc) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			progress(ProgressEvent{Type: "text", Text: string(line), Time: time.Now()})
			continue
		}
		st.handle(msg, progress)
	}
	return sc.Err()
}

func (st *streamState) handle(msg streamMessage, progress ProgressFunc) {
	now := time.Now()
	switch msg.Type {
	case "assistant":
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if b, ok := ExplicitBlocker(block.Text); ok && st.explicit == nil {
					st.explicit = b
				}
				progress(ProgressEvent{Type: "text", Text: block.Text, Time: now})
			case "tool_use":
				st.recordTool(block)
				progress(ProgressEvent{Type: "tool_use", Tool: block.Name, Text: string(block.Input), Time: now})
			}
		}
	case "user":
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			text := contentText(block.Content)
			if block.IsError {
				st.errorCount++
				st.errors = append(st.errors, text)
			}
			progress(ProgressEvent{Type: "tool_result", Text: text, IsError: block.IsError, Time: now})
		}
	case "result":
		st.resultText = msg.Result
		st.resultIsError = msg.IsError || (msg.Subtype != "" && msg.Subtype != "success")
		st.turns = msg.NumTurn
		st.costUSD = msg.CostUSD
		progress(ProgressEvent{Type: "result", Text: msg.Result, IsError: st.resultIsError, Time: now})
	case "system":
		progress(ProgressEvent{Type: "system", Text: msg.Subtype, Time: now})
	}
}

func (st *streamState) recordTool(block contentBlock) {
	st.toolCounts[block.Name]++
	st.totalTools++

	name := strings.ToLower(block.Name)
	if strings.Contains(name, "playwright") || strings.HasPrefix(name, "browser_") {
		st.playwright++
		if strings.Contains(name, "screenshot") {
			st.screenshots++
		}
	}

	if block.Name == "TodoWrite" {
		var input struct {
			Todos []struct {
				Content string `json:"content"`
				Status  string `json:"status"`
			} `json:"todos"`
		}
		if json.Unmarshal(block.Input, &input) == nil {
			for _, td := range input.Todos {
				if td.Status == "in_progress" {
					st.currentTask = td.Content
					break
				}
			}
		}
	}
}

// recentErrors returns tool errors newest first, at most five.
func (st *streamState) recentErrors() []string {
	var out []string
	for i := len(st.errors) - 1; i >= 0 && len(out) < 5; i-- {
		out = append(out, st.errors[i])
	}
	return out
}

func (st *streamState) metrics() map[string]any {
	rate := 0.0
	if st.totalTools > 0 {
		rate = float64(st.errorCount) / float64(st.totalTools)
	}
	return map[string]any{
		"tool_counts":            st.toolCounts,
		"total_tool_uses":        st.totalTools,
		"error_count":            st.errorCount,
		"error_rate":             rate,
		"playwright_count":       st.playwright,
		"playwright_screenshots": st.screenshots,
		"num_turns":              st.turns,
		"cost_usd":               st.costUSD,
	}
}

// contentText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			parts = append(parts, b.Text)
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
