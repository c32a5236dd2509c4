package server

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"portfolio-api/internal/ratelimit"
	"portfolio-api/internal/storage"
)

// BuildInfo is reported by /health/details.
type BuildInfo struct {
	Version string
	Commit  string
}

// UploadLimits bounds what each upload route accepts.
type UploadLimits struct {
	ResumeMaxBytes     int64
	ImageMaxBytes      int64
	MaxEvaluationFiles int
	// MaxRequestBytes caps a whole multipart body.
	MaxRequestBytes int64
}

func (u UploadLimits) withDefaults() UploadLimits {
	if u.ResumeMaxBytes <= 0 {
		u.ResumeMaxBytes = 10 << 20
	}
	if u.ImageMaxBytes <= 0 {
		u.ImageMaxBytes = 5 << 20
	}
	if u.MaxEvaluationFiles <= 0 {
		u.MaxEvaluationFiles = 10
	}
	if u.MaxRequestBytes <= 0 {
		u.MaxRequestBytes = u.ImageMaxBytes*int64(u.MaxEvaluationFiles) + 1<<20
		if u.ResumeMaxBytes+1<<20 > u.MaxRequestBytes {
			u.MaxRequestBytes = u.ResumeMaxBytes + 1<<20
		}
	}
	return u
}

type Config struct {
	Addr  string // e.g. ":8080"
	Build BuildInfo
	Auth  AuthConfig

	Store   storage.Store
	Catalog Catalog // nil when no database is configured

	// Limiter defaults to an in-process limiter.
	Limiter    ratelimit.Limiter
	RateLimits RateLimits
	Upload     UploadLimits

	CORSOrigins []string
	// TrustedProxies lists the proxies whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the socket address is always used.
	TrustedProxies []netip.Prefix
	// Checks are extra readiness dependencies keyed by component name
	// ("database", "cache").
	Checks map[string]HealthCheck

	Logger *zap.Logger
}

type Server struct {
	httpServer *http.Server

	auth    AuthConfig
	build   BuildInfo
	store   storage.Store
	catalog Catalog
	limiter ratelimit.Limiter
	limits  RateLimits
	upload  UploadLimits
	checks  map[string]HealthCheck
	lockout *loginLockout
	proxies []netip.Prefix
	metrics *metrics
	log     *zap.Logger
	now     func() time.Time
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewInMemory()
	}

	s := &Server{
		auth:    cfg.Auth,
		build:   cfg.Build,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		limiter: limiter,
		limits:  cfg.RateLimits.withDefaults(),
		upload:  cfg.Upload.withDefaults(),
		checks:  cfg.Checks,
		lockout: newLoginLockout(5, 10*time.Minute, 15*time.Minute),
		proxies: cfg.TrustedProxies,
		metrics: newMetrics(cfg.Store.Mode()),
		log:     log,
		now:     time.Now,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	// requestID -> access log -> recoverer -> headers -> routes
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)
	r.Use(corsMiddleware(corsOrigins))
	r.Use(middleware.Compress(5, "application/json", "text/plain"))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleLive)
	r.Get("/ready", s.handleReady)
	r.Get("/health/details", s.handleHealth)
	r.Handle("/metrics", s.metrics.handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(classPublic, s.limits.Public))
			r.Get("/resume", s.handleGetResume)
			r.Get("/profile-image", s.handleGetProfileImage)
			r.Get("/evaluations", s.handleListEvaluations)
			r.Get("/evaluations/{name}", s.handleGetEvaluation)
			r.Get("/files/status", s.handleFilesStatus)
		})

		r.With(s.rateLimit(classAuth, s.limits.Auth)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/auth/verify", s.handleVerify)

			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit(classUpload, s.limits.Upload))
				r.Post("/upload/resume", s.handleUploadResume)
				r.Post("/upload/profile-image", s.handleUploadProfileImage)
				r.Post("/upload/evaluations", s.handleUploadEvaluations)
			})

			r.Delete("/resume", s.handleDeleteResume)
			r.Delete("/profile-image", s.handleDeleteProfileImage)
			r.Delete("/evaluations/{name}", s.handleDeleteEvaluation)
		})
	})

	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("http_listening", zap.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
