package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omgasolutions/omrcam/internal/chat"
	"github.com/omgasolutions/omrcam/internal/grading"
	appI18n "github.com/omgasolutions/omrcam/internal/i18n"
	"github.com/omgasolutions/omrcam/internal/imaging"
	"github.com/omgasolutions/omrcam/internal/model"
)

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	form := model.ExamForm{ModelAnswers: r.FormValue("model_answers")}
	var err error
	if form.NumQuestions, err = optionalInt(r.FormValue("num_questions")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, appI18n.T(r.Context(), "ErrInvalidCount"))
		return
	}
	if form.OptionsPerQuestion, err = optionalInt(r.FormValue("options_per_question")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, appI18n.T(r.Context(), "ErrInvalidCount"))
		return
	}

	img, err := uploadedImage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	held := h.session.Image()
	uploaded := img != nil
	if !uploaded {
		img = held
	}

	result, err := h.pipeline.Submit(r.Context(), img, form)
	if err != nil {
		status, msg := gradeError(r.Context(), err)
		writeError(w, status, msg)
		return
	}
	if uploaded && held != nil {
		// A graded upload resets the form, including the still held when it arrived.
		if err := h.session.ClearCapture(held.ID); err != nil {
			slog.Warn("clear captured image failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, struct {
		*model.GradingResult
		Message string `json:"message"`
	}{result, appI18n.T(r.Context(), "GradeSuccess")})
}

// uploadedImage returns the sheet sent in the file part, or nil when absent.
func uploadedImage(r *http.Request) (*model.CapturedImage, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	f, _, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	img := &model.CapturedImage{ID: uuid.NewString(), JPEG: data, CapturedAt: time.Now()}
	if w, h, err := imaging.DecodeConfig(data); err == nil {
		img.Width, img.Height = w, h
	}
	return img, nil
}

func optionalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, grading.ErrInvalidCount
	}
	return n, nil
}

// gradeError maps a submission failure to a status code and a message.
func gradeError(ctx context.Context, err error) (int, string) {
	var mismatch *grading.AnswerCountMismatchError
	var serverErr *grading.ServerError
	var transportErr *grading.TransportError
	switch {
	case errors.As(err, &mismatch):
		return http.StatusUnprocessableEntity, appI18n.Td(ctx, "ErrAnswerCount", map[string]any{
			"Actual": mismatch.Actual, "Expected": mismatch.Expected,
		})
	case errors.Is(err, grading.ErrMissingImage):
		return http.StatusUnprocessableEntity, appI18n.T(ctx, "ErrMissingImage")
	case errors.Is(err, grading.ErrInvalidCount):
		return http.StatusUnprocessableEntity, appI18n.T(ctx, "ErrInvalidCount")
	case errors.Is(err, grading.ErrSubmissionInFlight):
		return http.StatusConflict, appI18n.T(ctx, "ErrSubmissionInFlight")
	case errors.As(err, &serverErr):
		return http.StatusBadGateway, serverErr.Message
	case errors.As(err, &transportErr):
		if isTimeout(transportErr.Err) {
			return http.StatusGatewayTimeout, appI18n.T(ctx, "ErrServerUnreachable")
		}
		return http.StatusBadGateway, appI18n.T(ctx, "ErrServerUnreachable")
	default:
		slog.Error("grading failed", "error", err)
		return http.StatusInternalServerError, err.Error()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeError(w, http.StatusNotImplemented, "chat is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)

	var question string
	var image []byte
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Question string `json:"question"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		question = body.Question
	} else {
		if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
		question = r.FormValue("question")
		if r.MultipartForm != nil {
			if f, _, err := r.FormFile("image"); err == nil {
				image, err = io.ReadAll(f)
				f.Close()
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
			}
		}
	}

	answer, err := h.chat.Ask(r.Context(), question, image)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyQuestion) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("chat failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": answer})
}
