package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/joescharf/yoke/internal/llm"
	"github.com/joescharf/yoke/internal/models"
	"github.com/joescharf/yoke/internal/notify"
	"github.com/joescharf/yoke/internal/store"
)

// ErrNoAnalyzer is returned when deep review runs without an analyzer.
var ErrNoAnalyzer = errors.New("no deep-review analyzer configured")

// reviewTimeout bounds a single analyzer call.
const reviewTimeout = 5 * time.Minute

// Analyzer produces a deep review of one session.
type Analyzer interface {
	Analyze(ctx context.Context, sessionNumber int, logs string, metrics map[string]any) (*llm.Analysis, error)
}

// Job is one queued deep review.
type Job struct {
	SessionID     string
	ProjectID     string
	SessionNumber int
	LogPath       string
	Metrics       map[string]any
	QuickRating   int
}

// DeepReviewer runs deep reviews off the session path on a single worker.
type DeepReviewer struct {
	store    store.Store
	analyzer Analyzer
	sink     notify.Sink
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDeepReviewer starts the review worker. Close must be called to stop it.
func NewDeepReviewer(s store.Store, a Analyzer, sink notify.Sink, queueSize int, logger *slog.Logger) *DeepReviewer {
	if queueSize <= 0 {
		queueSize = 16
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &DeepReviewer{
		store:    s,
		analyzer: a,
		sink:     sink,
		logger:   logger,
		jobs:     make(chan Job, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Enqueue schedules a review. It reports false when the queue is full or
// the reviewer is closed; the job is then dropped.
func (d *DeepReviewer) Enqueue(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		d.logger.Warn("deep review queue full, dropping job", "session_id", job.SessionID)
		return false
	}
}

// Close stops accepting jobs, finishes the queued ones and waits.
func (d *DeepReviewer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

func (d *DeepReviewer) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		if _, err := d.Review(d.ctx, job); err != nil {
			d.logger.Error("deep review failed", "session_id", job.SessionID, "error", err)
		}
	}
}

// Review runs one deep review synchronously and persists the result.
func (d *DeepReviewer) Review(ctx context.Context, job Job) (*models.QualityCheck, error) {
	if d.analyzer == nil {
		return nil, ErrNoAnalyzer
	}

	logs := ""
	if job.LogPath != "" {
		data, err := os.ReadFile(job.LogPath)
		if err != nil {
			d.logger.Warn("session log unavailable for deep review", "path", job.LogPath, "error", err)
		} else {
			logs = string(data)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, reviewTimeout)
	defer cancel()

	start := time.Now()
	analysis, err := d.analyzer.Analyze(ctx, job.SessionNumber, logs, job.Metrics)
	if err != nil {
		return nil, fmt.Errorf("analyze session %d: %w", job.SessionNumber, err)
	}

	rating := job.QuickRating
	if analysis.Rating >= 1 && analysis.Rating <= 10 {
		rating = analysis.Rating
	} else if n, ok := ExtractRating(analysis.Text); ok {
		rating = n
	}
	rating = clampRating(rating)

	qc := &models.QualityCheck{
		SessionID:      job.SessionID,
		ProjectID:      job.ProjectID,
		SessionNumber:  job.SessionNumber,
		CheckType:      models.CheckTypeDeep,
		OverallRating:  rating,
		CriticalIssues: analysis.CriticalIssues,
		Warnings:       analysis.Warnings,
		ReviewText:     analysis.Text,
	}
	if err := d.store.CreateQualityCheck(ctx, qc); err != nil {
		return nil, fmt.Errorf("save deep review: %w", err)
	}

	d.logger.Info("deep review complete",
		"session_id", job.SessionID,
		"session_number", job.SessionNumber,
		"rating", rating,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	d.sink.Notify(job.ProjectID, notify.Event{
		Type:      notify.EventDeepReviewCompleted,
		SessionID: job.SessionID,
		Data:      map[string]any{"rating": rating, "session_number": job.SessionNumber},
	})
	return qc, nil
}
