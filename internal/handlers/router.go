package handlers

import (
	"net/http"

	"github.com/nkiryanov/carepass/internal/handlers/middleware"
	"github.com/nkiryanov/carepass/internal/logger"
	"github.com/nkiryanov/carepass/internal/models"
	"github.com/nkiryanov/carepass/internal/service/verification"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type actorParser interface {
	Parse(access string) (models.Actor, error)
}

type RouterConfig struct {
	// Per client ip budget of the validate endpoint
	ValidateRPS   float64
	ValidateBurst int

	// Resolves the client address behind trusted proxies, nil trusts no proxy
	ClientIPs *middleware.ClientIPResolver

	// Served on GET /metrics when set
	MetricsHandler http.Handler

	// Outermost middlewares, e.g. HTTP metrics
	Middlewares []func(http.Handler) http.Handler
}

func NewRouter(
	cfg RouterConfig,
	tokens verification.TokenService,
	staff actorParser,
	logger logger.Logger,
) http.Handler {
	withActor := middleware.ActorMiddleware(staff)
	withRateLimit := middleware.RateLimitMiddleware(cfg.ClientIPs, cfg.ValidateRPS, cfg.ValidateBurst, logger)

	h := NewTokenHandler(tokens, cfg.ClientIPs, logger)

	// Staff requests are authenticated before they spend the shared budget of an address
	// Full paths are registered on the root mux so r.Pattern is visible to the outer middlewares
	root := http.NewServeMux()
	root.Handle("POST /api/tokens", withActor(http.HandlerFunc(h.issue)))
	root.Handle("POST /api/tokens/validate", chain(http.HandlerFunc(h.validate), withActor, withRateLimit))
	root.Handle("POST /api/tokens/revoke", withActor(http.HandlerFunc(h.revoke)))
	root.Handle("POST /api/tokens/status", chain(http.HandlerFunc(h.status), withActor, withRateLimit))

	if cfg.MetricsHandler != nil {
		root.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mds := append([]func(http.Handler) http.Handler{middleware.LoggerMiddleware(logger, cfg.ClientIPs)}, cfg.Middlewares...)
	return chain(root, mds...)
}
