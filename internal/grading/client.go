package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omgasolutions/omrcam/internal/model"
)

// DefaultBaseURL is where the grading service listens by default.
const DefaultBaseURL = "http://127.0.0.1:51234"

// DefaultTimeout bounds one grading round trip.
const DefaultTimeout = 60 * time.Second

// ServerError is a failure reported by the grading service itself.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// TransportError means the grading service could not be reached or did not
// answer in time.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "grading server unreachable: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the grading service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a grading client; a non-positive timeout means DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.baseURL }

// gradeResponse is a result or an error body.
type gradeResponse struct {
	model.GradingResult
	Error string `json:"error"`
}

// Grade uploads img with the exam parameters and returns the service's result.
func (c *Client) Grade(ctx context.Context, img *model.CapturedImage, form model.ExamForm) (*model.GradingResult, error) {
	pr, pw := io.Pipe()
	defer pr.Close()
	writer := multipart.NewWriter(pw)

	go func() {
		err := writeGradeForm(writer, img, form)
		if err == nil {
			err = writer.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/grade", pr)
	if err != nil {
		return nil, fmt.Errorf("create grade request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, &ServerError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("unexpected response type %q (status %d)", mediaType, resp.StatusCode),
		}
	}

	var body gradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ServerError{Status: resp.StatusCode, Message: fmt.Sprintf("decode grading response: %v", err)}
	}
	if body.Error != "" {
		return nil, &ServerError{Status: resp.StatusCode, Message: body.Error}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &ServerError{Status: resp.StatusCode, Message: fmt.Sprintf("grading returned status %d", resp.StatusCode)}
	}
	result := body.GradingResult
	return &result, nil
}

func writeGradeForm(w *multipart.Writer, img *model.CapturedImage, form model.ExamForm) error {
	part, err := w.CreateFormFile("file", imageName(img))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(img.JPEG)); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}
	if err := w.WriteField("model_answers", strings.Join(form.Answers(), ",")); err != nil {
		return err
	}
	if form.NumQuestions > 0 {
		if err := w.WriteField("num_questions", strconv.Itoa(form.NumQuestions)); err != nil {
			return err
		}
	}
	if form.OptionsPerQuestion > 0 {
		if err := w.WriteField("options_per_question", strconv.Itoa(form.OptionsPerQuestion)); err != nil {
			return err
		}
	}
	return nil
}

func imageName(img *model.CapturedImage) string {
	if img.ID == "" {
		return "captured.jpg"
	}
	return img.ID + ".jpg"
}
