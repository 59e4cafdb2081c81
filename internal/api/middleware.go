package api

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/abdul-hamid-achik/blog/internal/config"
	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/ratelimit"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, locale"
	corsMaxAge       = "86400"
)

// requestContext copies the chi request id into the logging context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			r = r.WithContext(observability.WithRequestID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// allowedOrigins adds the app's own origin outside production so local
// development works without extra configuration.
func allowedOrigins(cfg config.Config) []string {
	origins := slices.Clone(cfg.AllowedOrigins)
	if !cfg.IsProduction() && cfg.AppURL != "" && !slices.Contains(origins, cfg.AppURL) {
		origins = append(origins, cfg.AppURL)
	}
	return origins
}

// corsOrigin echoes an allowed origin and otherwise answers with the
// first configured one, which browsers then reject.
func (s *Server) corsOrigin(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin != "" && slices.Contains(s.origins, origin) {
		return origin
	}
	if len(s.origins) > 0 {
		return s.origins[0]
	}
	return ""
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.corsOrigin(r); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// siteRateLimit is the coarse per-IP budget in front of every API route.
func (s *Server) siteRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.SiteLimit == nil {
			next.ServeHTTP(w, r)
			return
		}
		result, err := s.deps.SiteLimit.Check(r.Context(), ratelimit.ChannelSite, clientIP(r))
		if err != nil {
			observability.LoggerFromContext(r.Context()).Error("site rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !result.Allowed {
			writeRateLimited(w, result.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	writeText(w, "Rate limit exceeded", http.StatusTooManyRequests)
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// clientIP reads the address set by middleware.RealIP.
// realIP takes the client address from forwarding headers only when the
// direct peer is a trusted proxy. Any other caller is identified by the
// connection address, whatever headers it sends.
func (s *Server) realIP(next http.Handler) http.Handler {
	forwarded := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.trustedPeer(r.RemoteAddr) {
			forwarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) trustedPeer(remoteAddr string) bool {
	if len(s.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(hostOf(remoteAddr))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	return hostOf(r.RemoteAddr)
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
