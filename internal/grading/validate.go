package grading

import (
	"errors"
	"fmt"

	"github.com/omgasolutions/omrcam/internal/model"
)

var (
	// ErrMissingImage means there is no captured or uploaded sheet to submit.
	ErrMissingImage = errors.New("no image to submit")
	// ErrInvalidCount means a question or option count is negative.
	ErrInvalidCount = errors.New("question and option counts must not be negative")
)

// AnswerCountMismatchError reports that the model answers do not match the
// declared number of questions.
type AnswerCountMismatchError struct {
	Expected int
	Actual   int
}

func (e *AnswerCountMismatchError) Error() string {
	return fmt.Sprintf("answer count (%d) does not match question count (%d)", e.Actual, e.Expected)
}

// Validate checks a submission before any network activity.
func Validate(form model.ExamForm, img *model.CapturedImage) error {
	if img == nil || len(img.JPEG) == 0 {
		return ErrMissingImage
	}
	if form.NumQuestions < 0 || form.OptionsPerQuestion < 0 {
		return ErrInvalidCount
	}
	if form.NumQuestions > 0 {
		if n := len(form.Answers()); n != form.NumQuestions {
			return &AnswerCountMismatchError{Expected: form.NumQuestions, Actual: n}
		}
	}
	return nil
}
