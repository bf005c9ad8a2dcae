package grading

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omgasolutions/omrcam/internal/model"
)

// ErrSubmissionInFlight is returned while a previous submission is pending.
var ErrSubmissionInFlight = errors.New("a submission is already in progress")

// Grader grades one sheet.
type Grader interface {
	Grade(ctx context.Context, img *model.CapturedImage, form model.ExamForm) (*model.GradingResult, error)
}

// Clearer drops the captured still once it has been graded. It must leave
// any other still alone.
type Clearer interface {
	ClearCapture(imageID string) error
}

// Recorder keeps a history of successful gradings.
type Recorder interface {
	SaveResult(rec model.GradingRecord) error
}

// Pipeline validates and submits sheets, one at a time.
type Pipeline struct {
	grader   Grader
	clearer  Clearer
	recorder Recorder
	busy     atomic.Bool
}

// NewPipeline wires a pipeline. clearer and recorder may be nil.
func NewPipeline(g Grader, clearer Clearer, recorder Recorder) *Pipeline {
	return &Pipeline{grader: g, clearer: clearer, recorder: recorder}
}

// Busy reports whether a submission is pending.
func (p *Pipeline) Busy() bool { return p.busy.Load() }

// Submit validates and grades img. On success the capture is cleared and the
// result recorded; on failure the capture is left intact for a retry.
func (p *Pipeline) Submit(ctx context.Context, img *model.CapturedImage, form model.ExamForm) (*model.GradingResult, error) {
	if err := Validate(form, img); err != nil {
		return nil, err
	}
	if !p.busy.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInFlight
	}
	defer p.busy.Store(false)

	start := time.Now()
	result, err := p.grader.Grade(ctx, img, form)
	if err != nil {
		slog.Warn("grading failed", "image", img.ID, "error", err, "duration", time.Since(start))
		return nil, err
	}
	slog.Info("sheet graded", "image", img.ID, "score", result.Score, "total", result.TotalQuestions, "duration", time.Since(start))

	if p.clearer != nil {
		if err := p.clearer.ClearCapture(img.ID); err != nil {
			slog.Warn("clear captured image failed", "error", err)
		}
	}
	if p.recorder != nil {
		rec := model.GradingRecord{
			ID:       uuid.NewString(),
			ImageID:  img.ID,
			Form:     form,
			Result:   *result,
			GradedAt: time.Now().UTC(),
		}
		if err := p.recorder.SaveResult(rec); err != nil {
			slog.Warn("record grading result failed", "error", err)
		}
	}
	return result, nil
}
