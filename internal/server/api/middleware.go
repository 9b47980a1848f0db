package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/server/auth"
	"github.com/fabrice-guiot/shuttersense/internal/server/db"
)

type contextKey int

const contextKeyAgent contextKey = iota

// AuthenticateAgent validates the bearer API key on every
// post-registration request. On success the resolved *db.Agent is stored
// in the request context for handlers to retrieve via agentFromCtx.
func AuthenticateAgent(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			agent, err := svc.Authenticate(r.Context(), parts[1])
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrRevoked):
					errJSON(w, http.StatusUnauthorized, "authentication required", "agent revoked")
				case errors.Is(err, auth.ErrBadAPIKey):
					ErrUnauthorized(w)
				default:
					ErrInternal(w)
				}
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func agentFromCtx(ctx context.Context) *db.Agent {
	agent, _ := ctx.Value(contextKeyAgent).(*db.Agent)
	return agent
}

// RequestLogger logs every request with method, path, status and latency.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
