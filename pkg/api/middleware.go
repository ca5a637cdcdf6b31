package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/metrics"
)

// WebhookGuard limits webhook deliveries per client and optionally
// restricts them to a set of source networks
type WebhookGuard struct {
	limit      rate.Limit
	burst      int
	allowed    []*net.IPNet
	trustProxy bool
	logger     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// GuardConfig configures a WebhookGuard
type GuardConfig struct {
	// RequestsPerSecond per client IP; zero disables rate limiting
	RequestsPerSecond float64
	Burst             int

	// AllowedCIDRs restricts callers when non-empty. Plain IPs are accepted.
	AllowedCIDRs []string

	// TrustProxy reads the client IP from X-Forwarded-For and X-Real-IP
	TrustProxy bool
}

// NewWebhookGuard creates a guard from cfg
func NewWebhookGuard(cfg GuardConfig) (*WebhookGuard, error) {
	g := &WebhookGuard{
		limit:      rate.Limit(cfg.RequestsPerSecond),
		burst:      cfg.Burst,
		trustProxy: cfg.TrustProxy,
		logger:     log.WithComponent("api"),
		limiters:   make(map[string]*clientLimiter),
	}
	if g.burst <= 0 {
		g.burst = 1
	}

	for _, entry := range cfg.AllowedCIDRs {
		network, err := parseCIDR(entry)
		if err != nil {
			return nil, err
		}
		g.allowed = append(g.allowed, network)
	}
	return g, nil
}

// Wrap applies access control and rate limiting before next
func (g *WebhookGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := g.clientIP(r)

		if !g.permitted(clientIP) {
			g.logger.Warn().Str("client", clientIP).Msg("Webhook denied by source filter")
			metrics.WebhooksRejected.WithLabelValues("forbidden").Inc()
			writeError(w, http.StatusForbidden, "source address not allowed")
			return
		}

		if !g.allow(clientIP) {
			g.logger.Warn().Str("client", clientIP).Msg("Webhook rate limit exceeded")
			metrics.WebhooksRejected.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *WebhookGuard) permitted(clientIP string) bool {
	if len(g.allowed) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, network := range g.allowed {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *WebhookGuard) allow(clientIP string) bool {
	if g.limit <= 0 {
		return true
	}

	g.mu.Lock()
	cl, ok := g.limiters[clientIP]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.limiters[clientIP] = cl
	}
	cl.lastSeen = time.Now()
	g.mu.Unlock()

	return cl.limiter.Allow()
}

// Prune drops limiters of clients not seen for idle
func (g *WebhookGuard) Prune(idle time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	pruned := 0
	for ip, cl := range g.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(g.limiters, ip)
			pruned++
		}
	}
	return pruned
}

// StartPruning prunes idle limiters every interval until stopCh closes
func (g *WebhookGuard) StartPruning(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := g.Prune(interval); n > 0 {
					g.logger.Debug().Int("pruned", n).Msg("Pruned idle webhook limiters")
				}
			case <-stopCh:
				return
			}
		}
	}()
}

func (g *WebhookGuard) clientIP(r *http.Request) string {
	if g.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseCIDR accepts a CIDR or a single address
func parseCIDR(entry string) (*net.IPNet, error) {
	if !strings.Contains(entry, "/") {
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, &net.ParseError{Type: "IP address", Text: entry}
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, network, err := net.ParseCIDR(entry)
	return network, err
}
