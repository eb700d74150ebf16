package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/redact"
)

type identityKey struct{}

// authenticate resolves the caller's credential into an identity and
// stores it on the request context. Credentials arrive either as a
// bearer token or through the X-API-Key header.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r)
		if credential == "" {
			credential = r.Header.Get("X-API-Key")
		}
		if credential == "" {
			writeError(w, core.ErrInvalidCredential)
			return
		}

		identity, err := h.auth.Authenticate(r.Context(), credential)
		if err != nil {
			h.logger.Warn("authentication failed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Error(err))
			writeError(w, err)
			return
		}

		h.logger.Debug("request authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("agent", redact.ID(identity.AgentID)),
			zap.String("type", string(identity.Type)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))

		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// identityFrom returns the identity the auth middleware stored on the
// request context. Routes behind the middleware always have one.
func identityFrom(r *http.Request) core.AgentIdentity {
	id, _ := r.Context().Value(identityKey{}).(core.AgentIdentity)
	return id
}
