package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/omgasolutions/omrcam/internal/camera"
	"github.com/omgasolutions/omrcam/internal/capture"
	"github.com/omgasolutions/omrcam/internal/chat"
	"github.com/omgasolutions/omrcam/internal/grading"
	appI18n "github.com/omgasolutions/omrcam/internal/i18n"
	"github.com/omgasolutions/omrcam/internal/model"
	"github.com/omgasolutions/omrcam/internal/store"
)

// Config holds HTTP shell settings.
type Config struct {
	RequireAuth    bool
	MaxUploadBytes int64
	Facing         model.Facing
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	cameras  camera.Camera
	session  *capture.Session
	pipeline *grading.Pipeline
	chat     chat.Answerer
	config   Config
}

// New creates a new Handler. a may be nil to disable /api/ask.
func New(s *store.Store, cam camera.Camera, sess *capture.Session, p *grading.Pipeline, a chat.Answerer, cfg Config) (*Handler, error) {
	if s == nil || cam == nil || sess == nil || p == nil {
		return nil, errors.New("handler: store, camera, session and pipeline are required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.Facing == "" {
		cfg.Facing = model.FacingEnvironment
	}
	return &Handler{store: s, cameras: cam, session: sess, pipeline: p, chat: a, config: cfg}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		if h.config.RequireAuth {
			r.Use(h.requireAuth)
		}
		r.Get("/api/cameras", h.handleCameras)

		r.Route("/api/capture", func(r chi.Router) {
			r.Post("/start", h.handleStart)
			r.Post("/snap", h.handleSnap)
			r.Post("/cancel", h.handleCancel)
			r.Post("/retake", h.handleRetake)
			r.Post("/reset", h.handleReset)
			r.Get("/status", h.handleStatus)
			r.Get("/image", h.handleImage)
			r.Delete("/image", h.handleClearImage)
			r.Get("/preview", h.handlePreview)
		})

		r.Post("/api/grade", h.handleGrade)
		r.Get("/api/results", h.handleResults)
		r.Get("/api/results/{id}", h.handleResult)
		r.Post("/api/ask", h.handleAsk)
		r.Put("/api/operator/password", h.handleChangePassword)
	})
}

// statusResponse is a session snapshot with its localized texts.
type statusResponse struct {
	model.SessionStatus
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (h *Handler) statusFor(ctx context.Context, st model.SessionStatus) statusResponse {
	resp := statusResponse{SessionStatus: st, Message: appI18n.State(ctx, st.State)}
	if st.Rejected {
		resp.Hint = appI18n.T(ctx, "ErrImageTooSmall")
	}
	if st.Verdict != nil && (st.State == model.StateSampling || st.State == model.StateTriggeringEffects) {
		resp.Hint = appI18n.Guidance(ctx, st.Verdict.Guidance)
	}
	return resp
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCameras(w http.ResponseWriter, r *http.Request) {
	devices := h.cameras.Devices()
	if devices == nil {
		devices = []model.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *Handler) constraints(r *http.Request) camera.Constraints {
	c := camera.Constraints{
		FacingMode: model.Facing(r.FormValue("facing")),
		DeviceID:   r.FormValue("device_id"),
	}
	if c.FacingMode == "" {
		c.FacingMode = h.config.Facing
	}
	return c
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func() error { return h.session.Start(r.Context(), h.constraints(r)) })
}

func (h *Handler) handleSnap(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.session.Snap)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.session.Cancel)
}

func (h *Handler) handleRetake(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func() error { return h.session.Retake(r.Context(), h.constraints(r)) })
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.session.Reset)
}

// transition runs a session operation and answers with the resulting status.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func() error) {
	if err := op(); err != nil {
		if errors.Is(err, capture.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("capture operation failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.statusFor(r.Context(), h.session.Status()))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusFor(r.Context(), h.session.Status()))
}

func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) {
	img := h.session.Image()
	if img == nil {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrMissingImage"))
		return
	}
	writeJPEG(w, img.JPEG)
}

func (h *Handler) handleClearImage(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearCapture(""); err != nil {
		slog.Error("failed to clear capture", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := h.session.Preview()
	if err != nil {
		slog.Error("failed to read preview", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(preview) == 0 {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrMissingImage"))
		return
	}
	if at, err := h.store.StateUpdatedAt(model.LastCaptureKey); err != nil {
		slog.Warn("failed to read preview time", "error", err)
	} else if !at.IsZero() {
		w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	}
	writeJPEG(w, preview)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetResult(chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("failed to get result", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := h.store.ListResults(limit)
	if err != nil {
		slog.Error("failed to list results", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []model.GradingRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJPEG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}
