// Package statusapi serves the read-only diagnostics of a qmsg process over
// HTTP, plus prometheus metrics.
package statusapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/routingtable"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

var log = logging.Logger("qmsg/statusapi")

var (
	// ErrEmptyListenAddress is returned when no listen address is configured
	ErrEmptyListenAddress = errors.New("listen address cannot be empty")
	// ErrMissingSecret is returned when auth is enabled without a secret
	ErrMissingSecret = errors.New("secret key required unless auth is disabled")
)

// NetworkSource is the part of a network manager the API reads.
type NetworkSource interface {
	Status() network.Status
	Resubscribe(ctx context.Context, name shortname.ShortName) error
}

// QueueSource reports arrival queue depth per name.
type QueueSource interface {
	Depths() map[shortname.ShortName]int
}

// RouteSource exposes a routing table.
type RouteSource interface {
	Routes() []routingtable.Entry
}

// SessionSource lists connected relay sessions.
type SessionSource interface {
	Sessions() []routingtable.Remote
}

// Sources are the components a server reports on. Any may be nil; the
// matching endpoints then answer 404.
type Sources struct {
	Network  NetworkSource
	Queue    QueueSource
	Routes   RouteSource
	Sessions SessionSource
}

// Config holds server configuration
type Config struct {
	NodeID        string
	ListenAddress string
	SecretKey     string

	// NoAuth disables token checks on read endpoints. Admin endpoints
	// always require a token.
	NoAuth bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return ErrEmptyListenAddress
	}
	if c.SecretKey == "" && !c.NoAuth {
		return ErrMissingSecret
	}
	return nil
}

// SetDefaults sets default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// Server represents the HTTP status server
type Server struct {
	config     Config
	tokens     *TokenAuthority
	handlers   *Handlers
	middleware *Middleware
	handler    http.Handler
	server     *http.Server
}

// NewServer creates a status server. registry may be nil, in which case
// /metrics is not served.
func NewServer(config *Config, sources Sources, registry *metrics.Registry) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	configCopy := *config
	configCopy.SetDefaults()

	tokens := NewTokenAuthority(configCopy.SecretKey)
	s := &Server{
		config:     configCopy,
		tokens:     tokens,
		handlers:   NewHandlers(configCopy.NodeID, sources),
		middleware: NewMiddleware(tokens, configCopy.NoAuth),
	}
	s.handler = s.setupRoutes(registry)
	s.server = &http.Server{
		Addr:           configCopy.ListenAddress,
		Handler:        s.handler,
		ReadTimeout:    configCopy.ReadTimeout,
		WriteTimeout:   configCopy.WriteTimeout,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Auth returns the token authority used by the server.
func (s *Server) Auth() *TokenAuthority {
	return s.tokens
}

func (s *Server) setupRoutes(registry *metrics.Registry) http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.ContentType(handler)))
	}

	mux.Handle("/api/v1/health", withMiddleware(s.handlers.Health))

	mux.Handle("/api/v1/subscriptions", withMiddleware(s.middleware.AuthRequired(s.handlers.ListSubscriptions)))
	mux.Handle("/api/v1/registrations", withMiddleware(s.middleware.AuthRequired(s.handlers.ListRegistrations)))
	mux.Handle("/api/v1/queue", withMiddleware(s.middleware.AuthRequired(s.handlers.GetQueue)))

	mux.Handle("/api/v1/routes", withMiddleware(s.middleware.AdminRequired(s.handlers.GetRoutes)))
	mux.Handle("/api/v1/resubscribe", withMiddleware(s.middleware.AdminRequired(s.handlers.Resubscribe)))

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Infow("status api listening", "node", s.config.NodeID, "addr", lis.Addr())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
