// Package httpapi exposes the Mini App backend over HTTP: JSON endpoints, the
// streamed chat endpoint and the Telegram webhook.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"starchat/internal/auth"
	"starchat/internal/chat"
	"starchat/internal/history"
	"starchat/internal/metrics"
	"starchat/internal/payments"
	"starchat/internal/quota"
	"starchat/internal/ratelimit"
	"starchat/internal/telegram"
)

// Limiters are optional; a nil limiter disables its rule.
type Limiters struct {
	General *ratelimit.Limiter
	Chat    *ratelimit.Limiter
	Auth    *ratelimit.Limiter
}

type Config struct {
	BasePath       string
	AllowedOrigins []string
	HealthPath     string
	MetricsPath    string
	// TrustProxy keys per-IP limits on X-Forwarded-For / X-Real-IP instead
	// of the socket address.
	TrustProxy bool

	Login    *auth.LoginService
	Issuer   *auth.Issuer
	Chat     *chat.Service
	Quota    *quota.Ledger
	History  *history.Store
	Payments *payments.Ledger
	Greeter  *telegram.Greeter
	Limiters Limiters

	// Ping reports storage health on the health endpoint when set.
	Ping           func(ctx context.Context) error
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Logger         zerolog.Logger
	Now            func() time.Time
}

type Server struct {
	cfg    Config
	router chi.Router
}

func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	s := &Server{cfg: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(s.cfg.Logger))
	r.Use(recoverJSON)
	r.Use(securityHeaders)
	r.Use(cors(s.cfg.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	})

	r.Get(s.cfg.HealthPath, s.health)
	r.Handle(s.cfg.MetricsPath, s.cfg.MetricsHandler)

	api := func(r chi.Router) {
		r.Use(s.limit(limitRule{
			limiter: s.cfg.Limiters.General,
			code:    "RATE_LIMIT",
			message: "Too many requests",
			key:     clientIP,
		}))

		r.With(s.limit(limitRule{
			limiter: s.cfg.Limiters.Auth,
			code:    "AUTH_RATE_LIMIT",
			message: "Too many authentication attempts",
			key:     clientIP,
		})).Post("/auth/login", s.login)
		r.Post("/payments/webhook", s.webhook)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth(s.cfg.Issuer))

			r.With(s.limit(limitRule{
				limiter: s.cfg.Limiters.Chat,
				code:    "CHAT_RATE_LIMIT",
				message: "Too many chat requests",
				key:     userKey,
			})).Post("/chat/chat", s.chatStream)

			r.Get("/user/usage", s.usage)
			r.Get("/user/messages", s.userMessages)
			r.Post("/payments/create-invoice", s.createInvoice)

			r.Get("/conversations", s.listConversations)
			r.Post("/conversations", s.createConversation)
			r.Delete("/conversations/{id}", s.deleteConversation)
			r.Get("/conversations/{id}/messages", s.conversationMessages)
		})
	}
	if s.cfg.BasePath == "" {
		r.Group(api)
	} else {
		r.Route(s.cfg.BasePath, api)
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.cfg.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": s.cfg.Now().UTC().Format(time.RFC3339Nano),
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}
