package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/direct-messaging/internal/identity"
	"github.com/capitalize-ai/direct-messaging/internal/middleware"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Verifier          identity.Verifier
	Conversations     *ConversationHandler
	Messages          *MessageHandler
	Typing            *TypingHandler
	Stream            *StreamHandler
	Health            *HealthHandler
	Sessions          http.Handler
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter assembles the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Websocket sessions authenticate before upgrading.
	if cfg.Sessions != nil {
		r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).Handle("/ws", cfg.Sessions)
	}

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Verifier))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/events", cfg.Stream.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", cfg.Conversations.List)
			r.Post("/", cfg.Conversations.Start)
			r.Get("/search", cfg.Conversations.Search)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Conversations.Get)
				r.Delete("/", cfg.Conversations.Delete)

				// Messages
				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.SendToConversation)
				r.Post("/read", cfg.Messages.MarkRead)

				// Typing
				r.Get("/typing", cfg.Typing.Get)
				r.Post("/typing", cfg.Typing.Set)
			})
		})

		r.Post("/messages", cfg.Messages.Send)
		r.Post("/messages/{id}/delivered", cfg.Messages.Delivered)
	})

	return r
}
