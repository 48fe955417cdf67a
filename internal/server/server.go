// Package server exposes the entitlement engine over HTTP.
//
// Routes (all /v1 routes require a Bearer JWT):
//
//	POST   /v1/devices                          register or refresh a device
//	GET    /v1/devices                          list devices
//	DELETE /v1/devices/{deviceID}               remove a device
//	POST   /v1/downloads                        authorize an offline download
//	GET    /v1/downloads                        list offline grants
//	POST   /v1/downloads/{downloadID}/complete  mark a grant downloaded
//	POST   /v1/downloads/redeem                 exchange a download token for a media URL
//	GET    /v1/playback/{contentID}             authorize streaming
//	POST   /billing/webhook                     Stripe events (signature auth)
//	GET    /health
//	GET    /metrics
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourflock/roost-entitlements/internal/auth"
	"github.com/yourflock/roost-entitlements/internal/entitlement"
	"github.com/yourflock/roost-entitlements/internal/metrics"
	"github.com/yourflock/roost-entitlements/internal/ratelimit"
	"github.com/yourflock/roost-entitlements/internal/telemetry"
)

// Engine is the entitlement API the handlers call. *entitlement.Service
// implements it.
type Engine interface {
	RegisterDevice(ctx context.Context, userID uuid.UUID, platform, identifier string) (entitlement.Device, bool, error)
	RemoveDevice(ctx context.Context, userID, deviceID uuid.UUID) error
	ListDevices(ctx context.Context, userID uuid.UUID) ([]entitlement.Device, error)
	AuthorizeDownload(ctx context.Context, userID, contentID, deviceID uuid.UUID) (entitlement.Grant, error)
	MarkDownloadComplete(ctx context.Context, userID, downloadID uuid.UUID) (entitlement.Download, error)
	RedeemDownloadToken(ctx context.Context, userID uuid.UUID, tok string, deviceID uuid.UUID) (string, error)
	ListDownloads(ctx context.Context, userID uuid.UUID) ([]entitlement.Download, error)
	AuthorizePlayback(ctx context.Context, userID, contentID uuid.UUID) (entitlement.Stream, error)
}

// Options wires a Server. Engine and Auth are required.
type Options struct {
	Engine  Engine
	Auth    *auth.Authenticator
	Limiter *ratelimit.Limiter
	// Webhook is mounted at POST /billing/webhook when set.
	Webhook http.Handler
	// Health reports dependency health for GET /health.
	Health  func(ctx context.Context) error
	Logger  logrus.FieldLogger
	Timeout time.Duration
}

// Server holds handler dependencies.
type Server struct {
	engine  Engine
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	webhook http.Handler
	health  func(ctx context.Context) error
	log     logrus.FieldLogger
	timeout time.Duration
}

// New returns a Server.
func New(opts Options) *Server {
	s := &Server{
		engine:  opts.Engine,
		auth:    opts.Auth,
		limiter: opts.Limiter,
		webhook: opts.Webhook,
		health:  opts.Health,
		log:     opts.Logger,
		timeout: opts.Timeout,
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(nil)
	}
	if s.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		s.log = l
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(telemetry.PanicRecoveryMiddleware("entitlementd"))
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if s.webhook != nil {
		r.Method(http.MethodPost, "/billing/webhook", s.webhook)
	}

	authorizeLimit := s.limiter.PerUser(ratelimit.AuthorizeRule, userOf, rejectRateLimited)
	redeemLimit := s.limiter.PerUser(ratelimit.RedeemRule, userOf, rejectRateLimited)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.RequireAuth)

		r.Post("/devices", s.handleRegisterDevice)
		r.Get("/devices", s.handleListDevices)
		r.Delete("/devices/{deviceID}", s.handleRemoveDevice)

		r.With(authorizeLimit).Post("/downloads", s.handleAuthorizeDownload)
		r.Get("/downloads", s.handleListDownloads)
		r.Post("/downloads/{downloadID}/complete", s.handleCompleteDownload)
		r.With(redeemLimit).Post("/downloads/redeem", s.handleRedeem)

		r.Get("/playback/{contentID}", s.handleAuthorizePlayback)
	})
	return r
}

func userOf(r *http.Request) uuid.UUID { return auth.UserIDFromContext(r.Context()) }

func rejectRateLimited(w http.ResponseWriter, _ int) {
	auth.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.WithError(err).Warn("health check failed")
			auth.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "entitlementd"})
			return
		}
	}
	auth.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "entitlementd"})
}

// requestLogger writes one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	})
}
