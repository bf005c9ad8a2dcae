package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are Omga-Chat, an assistant for teachers who grade multiple-choice exams
with optical mark recognition. Answer briefly and practically. When an image of an answer
sheet is attached, describe what is visible: whether the sheet is flat, well lit and fully
in frame, and which bubbles look filled. Never invent grades.`

// LLM answers through an OpenAI-compatible chat completion API.
type LLM struct {
	api         *openai.Client
	model       string
	temperature float32
}

// NewLLM creates an LLM answerer. An empty baseURL uses the OpenAI default.
func NewLLM(baseURL, apiKey, modelName string) *LLM {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &LLM{
		api:         openai.NewClientWithConfig(config),
		model:       modelName,
		temperature: 0.3,
	}
}

// Ask sends the question and, when present, the image as a data URL part.
func (l *LLM) Ask(ctx context.Context, question string, image []byte) (string, error) {
	question, err := validate(question, image)
	if err != nil {
		return "", err
	}

	resp, err := l.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			userMessage(question, image),
		},
		Temperature: l.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("LLM response", "model", l.model, "chars", len(answer), "tokens", resp.Usage.TotalTokens)
	return answer, nil
}

func userMessage(question string, image []byte) openai.ChatCompletionMessage {
	if len(image) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question}
	}
	if question == "" {
		question = "What do you see on this answer sheet?"
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: question},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL(image),
				Detail: openai.ImageURLDetailAuto,
			}},
		},
	}
}

func dataURL(image []byte) string {
	return "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
}
