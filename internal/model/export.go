package model

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Answer is an answer value that the grader may send as a string or a number.
type Answer string

// UnmarshalJSON accepts JSON strings, numbers and null.
func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Answer(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = Answer(n.String())
	return nil
}

// GradingResult is the grading service response for one sheet.
type GradingResult struct {
	Score          float64          `json:"score"`
	Correct        int              `json:"correct"`
	Incorrect      int              `json:"incorrect"`
	Unanswered     int              `json:"unanswered"`
	TotalQuestions int              `json:"total_questions"`
	StudentID      Answer           `json:"student_id"`
	Timestamp      string           `json:"timestamp"`
	WrongAnswers   []WrongAnswer    `json:"wrong_answers"`
	Details        []QuestionDetail `json:"details"`
}

// QuestionDetail is the per-question grading outcome.
type QuestionDetail struct {
	Question      int    `json:"question"`
	StudentAnswer Answer `json:"student_answer"`
	CorrectAnswer Answer `json:"correct_answer"`
	IsCorrect     bool   `json:"is_correct"`
}

// WrongAnswer lists a question the student got wrong.
type WrongAnswer struct {
	QuestionNumber int    `json:"question_number"`
	StudentAnswer  Answer `json:"student_answer"`
	CorrectAnswer  Answer `json:"correct_answer"`
}

// GradingRecord is a persisted successful grading.
type GradingRecord struct {
	ID       string        `json:"id"`
	ImageID  string        `json:"image_id,omitempty"`
	Form     ExamForm      `json:"form"`
	Result   GradingResult `json:"result"`
	GradedAt time.Time     `json:"graded_at"`
}

// HistoryExport is the top-level JSON structure for history export.
type HistoryExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Count      int             `json:"count"`
	MeanScore  float64         `json:"mean_score"`
	Records    []GradingRecord `json:"records"`
}

// NewHistoryExport summarises the given records.
func NewHistoryExport(records []GradingRecord, at time.Time) HistoryExport {
	exp := HistoryExport{ExportedAt: at, Count: len(records), Records: records}
	if len(records) > 0 {
		var sum float64
		for _, r := range records {
			sum += r.Result.Score
		}
		exp.MeanScore = math.Round(sum/float64(len(records))*100) / 100
	}
	if exp.Records == nil {
		exp.Records = []GradingRecord{}
	}
	return exp
}
