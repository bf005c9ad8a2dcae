package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Remote forwards questions to a chat service at POST {base}/ask.
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemote creates a remote answerer.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type askResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Ask sends JSON {question} or, with an image, a multipart form.
func (r *Remote) Ask(ctx context.Context, question string, image []byte) (string, error) {
	question, err := validate(question, image)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	contentType := "application/json"
	if len(image) > 0 {
		w := multipart.NewWriter(&body)
		if err := w.WriteField("question", question); err != nil {
			return "", err
		}
		part, err := w.CreateFormFile("image", "image.jpg")
		if err != nil {
			return "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(image); err != nil {
			return "", fmt.Errorf("write image: %w", err)
		}
		if err := w.Close(); err != nil {
			return "", err
		}
		contentType = w.FormDataContentType()
	} else if err := json.NewEncoder(&body).Encode(map[string]string{"question": question}); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/ask", &body)
	if err != nil {
		return "", fmt.Errorf("create ask request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ask request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ask response: %w", err)
	}
	var out askResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("ask returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out.Error != "" {
		return "", fmt.Errorf("ask: %s", out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ask returned status %d", resp.StatusCode)
	}
	return out.Response, nil
}
