package orchestrator

import (
	"context"
	"fmt"

	"github.com/joescharf/yoke/internal/agent"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/notify"
)

// LoopStopReason says why an auto-continue loop ended.
type LoopStopReason string

const (
	StopAfterCurrent     LoopStopReason = "stop_after_current"
	MaxIterationsReached LoopStopReason = "max_iterations_reached"
	AutoContinueDisabled LoopStopReason = "auto_continue_disabled"
	SessionErrored       LoopStopReason = "session_error"
	SessionInterrupted   LoopStopReason = "session_interrupted"
	LoopCancelled        LoopStopReason = "cancelled"
)

// LoopResult summarizes a finished coding loop.
type LoopResult struct {
	LastSession *models.Session
	Iterations  int
	StopReason  LoopStopReason
}

// RunCodingLoop runs coding sessions back to back until a stop condition
// holds. Project settings are re-read from the store before every
// iteration after the first. A nil maxIterations falls back to the
// project's setting; 0 means unlimited.
func (o *Orchestrator) RunCodingLoop(ctx context.Context, projectID, model string, maxIterations *int, progress agent.ProgressFunc) (*LoopResult, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !p.Initialized {
		return nil, fmt.Errorf("project %s: %w", p.Name, ErrNotInitialized)
	}

	res := &LoopResult{}
	defer func() {
		if res.StopReason == "" {
			return
		}
		o.logger.Info("coding loop stopped", "project", p.Name, "reason", res.StopReason, "iterations", res.Iterations)
		o.notify(p.ID, "", notify.EventAutoContinueStopped, map[string]any{
			"reason":     string(res.StopReason),
			"iterations": res.Iterations,
		})
	}()

	for {
		if ctx.Err() != nil {
			res.StopReason = LoopCancelled
			return res, nil
		}

		if res.Iterations > 0 {
			p, err = o.store.GetProject(ctx, projectID)
			if err != nil {
				return res, err
			}
			if reason, stop := o.shouldStop(p, maxIterations, res.Iterations); stop {
				if reason == StopAfterCurrent {
					if err := o.store.SetStopAfterCurrent(ctx, p.ID, false); err != nil {
						o.logger.Warn("clear stop_after_current", "project", p.Name, "error", err)
					}
				}
				res.StopReason = reason
				return res, nil
			}

			delay := o.Config().AutoContinueDelay
			o.notify(p.ID, "", notify.EventAutoContinueDelay, map[string]any{
				"delay_seconds": delay.Seconds(),
				"next_session":  res.Iterations + 1,
			})
			if err := o.sleep(ctx, delay); err != nil {
				res.StopReason = LoopCancelled
				return res, nil
			}
		}

		sess, err := o.StartUnitOfWork(ctx, p.ID, WorkRequest{Type: models.SessionTypeCoding, Model: model}, progress)
		if err != nil {
			return res, err
		}
		res.LastSession = sess
		res.Iterations++

		switch sess.Status {
		case models.SessionStatusError:
			res.StopReason = SessionErrored
			return res, nil
		case models.SessionStatusInterrupted:
			res.StopReason = SessionInterrupted
			if ctx.Err() != nil {
				res.StopReason = LoopCancelled
			}
			return res, nil
		}
	}
}

func (o *Orchestrator) shouldStop(p *models.Project, maxIterations *int, done int) (LoopStopReason, bool) {
	if p.Settings.StopAfterCurrent {
		return StopAfterCurrent, true
	}
	limit := 0
	if maxIterations != nil {
		limit = *maxIterations
	} else if p.Settings.MaxIterations != nil {
		limit = *p.Settings.MaxIterations
	}
	if limit > 0 && done >= limit {
		return MaxIterationsReached, true
	}
	if !p.Settings.AutoContinue {
		return AutoContinueDisabled, true
	}
	return "", false
}
