// Package chat answers free-form questions about exams and captured sheets.
package chat

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyQuestion is returned when neither a question nor an image was given.
var ErrEmptyQuestion = errors.New("question or image required")

// Answerer answers a question, optionally about an image.
type Answerer interface {
	Ask(ctx context.Context, question string, image []byte) (string, error)
}

// Echo answers locally without any backend.
type Echo struct{}

func (Echo) Ask(_ context.Context, question string, image []byte) (string, error) {
	question, err := validate(question, image)
	if err != nil {
		return "", err
	}
	if len(image) > 0 {
		return "I received your image. Want me to analyze it?", nil
	}
	return "AI Response: " + question, nil
}

func validate(question string, image []byte) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" && len(image) == 0 {
		return "", ErrEmptyQuestion
	}
	return question, nil
}
