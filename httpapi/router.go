package httpapi

import (
	"net/http"

	"github.com/IMQS/log"
	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/middleware"
	"github.com/go-chi/chi/v5"
)

// Handler binds the engine to HTTP. It holds no state of its own.
type Handler struct {
	engine *authflow.Engine
	log    *log.Logger
}

// Options tune NewRouterWithOptions.
type Options struct {
	// TrustProxy makes the first X-Forwarded-For entry the client IP used for
	// per-IP rate limits.
	TrustProxy bool
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
}

// NewRouter returns the auth routes with default options.
func NewRouter(engine *authflow.Engine, logger *log.Logger) http.Handler {
	return NewRouterWithOptions(engine, logger, Options{})
}

func NewRouterWithOptions(engine *authflow.Engine, logger *log.Logger, opts Options) http.Handler {
	if logger == nil {
		logger = log.New(log.Stdout, false)
	}
	h := &Handler{engine: engine, log: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.ClientIP(opts.TrustProxy))

	r.Get("/healthz", h.healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.login)
		r.Post("/code/request", h.requestCode)
		r.Post("/provider/token", h.providerToken)
		r.Post("/token/refresh", h.refresh)

		r.Route("/flows/{flowID}", func(r chi.Router) {
			r.Get("/", h.getFlow)
			r.Delete("/", h.cancelFlow)
			r.Post("/resend", h.resend)
			r.Post("/stages/{stage}", h.submitStage)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Guard(engine, h.guardError))
			r.Get("/session", h.session)
			r.Delete("/session", h.logout)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Guard(engine, h.guardError))
		r.Post("/account/password/change", h.changePassword)
	})

	return r
}
