package handler

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/omgasolutions/omrcam/internal/model"
)

const authRealm = `Basic realm="omrcam", charset="UTF-8"`

type operatorKey struct{}

func contextWithOperator(ctx context.Context, o *model.Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, o)
}

func operatorFromContext(ctx context.Context) *model.Operator {
	o, _ := ctx.Value(operatorKey{}).(*model.Operator)
	return o
}

// requireAuth checks HTTP basic credentials against the operator accounts.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			unauthorized(w)
			return
		}

		op, err := h.store.GetOperator(username)
		if err != nil {
			slog.Error("failed to get operator", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if op == nil || !op.Active {
			slog.Warn("rejected credentials", "username", username, "remote", r.RemoteAddr)
			unauthorized(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
			slog.Warn("rejected credentials", "username", username, "remote", r.RemoteAddr)
			unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithOperator(r.Context(), op)))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", authRealm)
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
