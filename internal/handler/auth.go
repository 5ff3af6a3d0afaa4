package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/examscan/internal/i18n"
)

// HashPassword returns the bcrypt hash stored in Config.OperatorPasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// requireOperator checks HTTP Basic credentials when an operator password is
// configured.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.OperatorPasswordHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if ok && subtle.ConstantTimeCompare([]byte(user), []byte(h.config.OperatorUser)) == 1 &&
			bcrypt.CompareHashAndPassword([]byte(h.config.OperatorPasswordHash), []byte(pass)) == nil {
			next.ServeHTTP(w, r)
			return
		}

		if ok {
			slog.Warn("operator login failed", "user", user, "remote", r.RemoteAddr)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="examscan", charset="UTF-8"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", appI18n.T(r.Context(), "ErrUnauthorized"))
	})
}
