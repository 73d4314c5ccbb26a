package httpapi

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"starchat/internal/auth"
	"starchat/internal/ratelimit"
)

// requestLogger stores a request scoped logger in the context and writes one
// access line per request.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := base.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Str("remote", r.RemoteAddr).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// recoverJSON turns panics into INTERNAL_SERVER_ERROR responses.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("unhandled panic")
			writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "An unexpected error occurred")
		}()
		next.ServeHTTP(w, r)
	})
}

// cors allows only the configured origins. Credentials are allowed since
// every allowed origin is explicit.
func cors(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "" && o != "*" {
			allowed[o] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the bearer token into an auth.Identity.
func requireAuth(issuer *auth.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			token = strings.TrimSpace(token)
			if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Access token required")
				return
			}
			claims, err := issuer.Verify(token)
			if err != nil {
				zerolog.Ctx(r.Context()).Debug().Err(err).Msg("bearer token rejected")
				writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid access token")
				return
			}
			ctx := auth.WithIdentity(r.Context(), auth.Identity{UserID: claims.TelegramID, Username: claims.Username})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type limitRule struct {
	limiter *ratelimit.Limiter
	code    string
	message string
	key     func(*http.Request) string
}

// limit enforces rule ahead of next. Without a limiter, or when Redis fails,
// requests pass.
func (s *Server) limit(rule limitRule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rule.limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rule.key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			now := s.cfg.Now()
			res, err := rule.limiter.Allow(r.Context(), key, now)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Str("limiter", rule.limiter.Name()).Msg("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			reset := int64(res.ResetAt.Sub(now).Round(time.Second) / time.Second)
			if reset < 1 {
				reset = 1
			}
			h := w.Header()
			h.Set("RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			h.Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			h.Set("RateLimit-Reset", strconv.FormatInt(reset, 10))
			if !res.Allowed {
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.RateLimited.WithLabelValues(rule.limiter.Name()).Inc()
				}
				h.Set("Retry-After", strconv.FormatInt(reset, 10))
				writeError(w, http.StatusTooManyRequests, rule.code, rule.message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userKey(r *http.Request) string {
	id, _ := auth.IdentityFrom(r.Context())
	return id.UserID
}
