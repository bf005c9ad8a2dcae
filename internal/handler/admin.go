package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	op := operatorFromContext(r.Context())
	if op == nil {
		writeError(w, http.StatusForbidden, "password changes require authentication")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(body.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password too short")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.store.SetOperatorPassword(op.Username, string(hash)); err != nil {
		slog.Error("failed to update password", "username", op.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("operator password changed", "username", op.Username)
	w.WriteHeader(http.StatusNoContent)
}
