package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/joescharf/yoke/internal/models"
)

// OutcomeKind classifies how a unit of work ended.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeBlocker   OutcomeKind = "blocker"
	OutcomeFatal     OutcomeKind = "fatal"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is what an Executor reports when a run ends.
type Outcome struct {
	Kind        OutcomeKind
	Blocker     *models.Blocker // set for OutcomeBlocker
	Err         error           // set for OutcomeFatal
	Metrics     map[string]any
	CurrentTask string
}

// Success builds a successful outcome.
func Success(metrics map[string]any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Metrics: metrics}
}

// Blocked builds a blocker outcome.
func Blocked(b models.Blocker, metrics map[string]any) Outcome {
	return Outcome{Kind: OutcomeBlocker, Blocker: &b, Metrics: metrics}
}

// Fatal builds a fatal outcome.
func Fatal(err error, metrics map[string]any) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err, Metrics: metrics}
}

// ProgressEvent is one in-order update from a running session.
type ProgressEvent struct {
	Type    string // text, tool_use, tool_result, result, system
	Text    string
	Tool    string
	IsError bool
	Time    time.Time
}

// ProgressFunc receives progress events. It is called from the executing
// goroutine and must not block for long.
type ProgressFunc func(ProgressEvent)

// SessionContext is everything an executor needs to run one session.
type SessionContext struct {
	SessionID     string
	ProjectID     string
	ProjectPath   string
	SessionNumber int
	Type          models.SessionType
	Model         string
	Prompt        string
	// Attempt counts in-place retries of the same session, starting at 1.
	Attempt int
}

// Executor runs one unit of work against the agent. Run must honor ctx
// cancellation and always return an Outcome.
type Executor interface {
	Run(ctx context.Context, sc SessionContext, progress ProgressFunc) Outcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, sc SessionContext, progress ProgressFunc) Outcome

// Run implements Executor.
func (f ExecutorFunc) Run(ctx context.Context, sc SessionContext, progress ProgressFunc) Outcome {
	return f(ctx, sc, progress)
}

// LogPath returns where the session's JSONL transcript is written.
func LogPath(projectPath string, sessionNumber int) string {
	return filepath.Join(projectPath, "logs", fmt.Sprintf("session_%03d.jsonl", sessionNumber))
}
