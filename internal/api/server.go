package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdul-hamid-achik/blog/internal/assistant"
	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/content"
	"github.com/abdul-hamid-achik/blog/internal/identity"
	"github.com/abdul-hamid-achik/blog/internal/moderation"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/ratelimit"
	"github.com/abdul-hamid-achik/blog/internal/store"
	"github.com/abdul-hamid-achik/blog/internal/stream"
)

type Server struct {
	deps       Deps
	cfg        config.Config
	validate   *validator.Validate
	origins    []string
	proxies    []netip.Prefix
	heartbeat  time.Duration
	background sync.WaitGroup
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Store      ConversationStore
	KV         Pinger
	Moderator  Moderator
	Strikes    Striker
	Gate       Admitter
	Identities IdentityResolver
	Assistant  Responder
	Issuer     Issuer
	Redeemer   Redeemer
	Cookies    *identity.CookieCodec
	SiteLimit  ratelimit.Checker
	Streams    *stream.Registry
	Catalog    *content.Catalog
	Search     assistant.Searcher
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer
	// HashKey keys the fingerprints written to logs.
	HashKey []byte
}

type ConversationStore interface {
	EnsureSession(ctx context.Context, sessionID string, userID string) (store.Session, error)
	CountUserMessages(ctx context.Context, sessionID string) (int, error)
	RecordExchange(ctx context.Context, exchange store.Exchange) error
	Ping(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Moderator interface {
	Classify(text string) moderation.Result
}

type Striker interface {
	Strike(ctx context.Context, ip string) (bool, error)
}

type Admitter interface {
	Blocked(ctx context.Context, req identity.Request) bool
	Admit(ctx context.Context, req identity.Request) (identity.Decision, error)
}

type IdentityResolver interface {
	Resolve(r *http.Request, sessionID string) identity.Identity
}

type Responder interface {
	Respond(ctx context.Context, turn assistant.Turn) (assistant.Reply, error)
	RespondStream(ctx context.Context, turn assistant.Turn, onDelta func(string) error) (assistant.Reply, error)
}

type Issuer interface {
	Issue(ctx context.Context, email string) error
}

type Redeemer interface {
	Redeem(ctx context.Context, token string) (store.User, error)
}

func NewServer(deps Deps, cfg config.Config) *Server {
	if deps.Streams == nil {
		deps.Streams = stream.NewRegistry()
	}
	// An unparsable list trusts nobody; the gateway rejects it at startup.
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		proxies = nil
	}
	return &Server{
		deps:      deps,
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		origins:   allowedOrigins(cfg),
		proxies:   proxies,
		heartbeat: 15 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(s.realIP)
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(s.cors)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.siteRateLimit)
		r.Post("/chat/stream", s.streamChat)
		r.Post("/chat", s.chat)
		r.Get("/chat/quota", s.quota)
		r.Post("/auth/magic-link", s.requestMagicLink)
		r.Get("/auth/verify", s.verify)
		r.Post("/auth/logout", s.logout)
	})
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", s.metricsHandler())

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready" || cleanPath == "/metrics") {
		return true
	}
	if method == http.MethodGet && cleanPath == "/api/chat/quota" {
		return true
	}
	if method == http.MethodOptions {
		return true
	}
	return false
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	checks := map[string]Pinger{"store": s.deps.Store, "kv": s.deps.KV}
	for name, dep := range checks {
		if dep == nil {
			subsystems[name] = subsystemStatus{Status: "skipped"}
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			observability.LoggerFromContext(ctx).Error("readiness check failed", "subsystem", name, "error", err)
			subsystems[name] = subsystemStatus{Status: "error", Error: "unavailable"}
			overall = http.StatusServiceUnavailable
			continue
		}
		subsystems[name] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

// writeText is used for every rejection. Bodies stay short and generic.
func writeText(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(message))
}

// Wait blocks until background conversation writes have finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	err := server.ListenAndServe()
	s.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
