package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/cuemby/cutover/pkg/log"
	"github.com/cuemby/cutover/pkg/runtime"
	"github.com/cuemby/cutover/pkg/types"
)

const (
	// DefaultListenAddr is where the responder listens when not configured
	DefaultListenAddr = "127.0.0.1:8053"

	// DefaultTTL keeps answers short-lived since replicas come and go
	DefaultTTL = 10
)

// EndpointSource lists the replicas of a replica set
type EndpointSource interface {
	Endpoints(ctx context.Context, replicaSet string) ([]types.Target, error)
}

// Config holds DNS responder configuration
type Config struct {
	ListenAddr string
	Namespace  Namespace
	TTL        uint32
}

// Server answers A queries for <replicaSet>.<namespace> from the
// runtime's healthy endpoints
type Server struct {
	source EndpointSource
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	dnsServer *dns.Server
	conn      net.PacketConn
}

// NewServer creates a DNS responder
func NewServer(source EndpointSource, cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	return &Server{
		source: source,
		cfg:    cfg,
		logger: log.WithComponent("discovery"),
	}
}

// Start binds the UDP socket and serves queries in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dnsServer != nil {
		return fmt.Errorf("DNS server already running")
	}

	conn, err := net.ListenPacket("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.conn = conn
	s.dnsServer = &dns.Server{PacketConn: conn, Handler: mux}

	go func(srv *dns.Server) {
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error().Err(err).Msg("DNS server error")
		}
	}(s.dnsServer)

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.Info().
		Str("address", conn.LocalAddr().String()).
		Str("namespace", s.cfg.Namespace.name()).
		Msg("DNS server started")
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop shuts the responder down
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dnsServer == nil {
		return nil
	}
	err := s.dnsServer.Shutdown()
	s.dnsServer = nil
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to stop DNS server: %w", err)
	}

	s.logger.Info().Msg("DNS server stopped")
	return nil
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		replicaSet, ok := s.replicaSet(q.Name)
		if !ok {
			s.logger.Debug().Str("query", q.Name).Msg("Query outside namespace")
			msg.Rcode = dns.RcodeServerFailure
			break
		}

		answers, err := s.answer(q, replicaSet)
		if err != nil {
			if errors.Is(err, runtime.ErrReplicaSetNotFound) {
				msg.Rcode = dns.RcodeNameError
			} else {
				s.logger.Warn().Err(err).Str("query", q.Name).Msg("Failed to resolve query")
				msg.Rcode = dns.RcodeServerFailure
			}
			break
		}
		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS response")
	}
}

func (s *Server) answer(q dns.Question, replicaSet string) ([]dns.RR, error) {
	if q.Qtype != dns.TypeA {
		return nil, nil
	}

	endpoints, err := s.source.Endpoints(context.Background(), replicaSet)
	if err != nil {
		return nil, err
	}

	var records []dns.RR
	for _, ep := range endpoints {
		if !ep.Healthy {
			continue
		}
		host, _, err := net.SplitHostPort(ep.Address)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host).To4()
		if ip == nil {
			continue
		}
		records = append(records, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    s.cfg.TTL,
			},
			A: ip,
		})
	}

	s.logger.Debug().
		Str("replica_set", replicaSet).
		Int("answers", len(records)).
		Msg("Resolved query")
	return records, nil
}

// replicaSet extracts the replica set name from <set>.<namespace>.
func (s *Server) replicaSet(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	suffix := "." + strings.ToLower(s.cfg.Namespace.name())
	if !strings.HasSuffix(name, suffix) {
		return "", false
	}
	set := strings.TrimSuffix(name, suffix)
	if set == "" || strings.Contains(set, ".") {
		return "", false
	}
	return set, true
}
