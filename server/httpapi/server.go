package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/failover"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/fwportal/settingdb/pkg/probe"
	"github.com/fwportal/settingdb/pkg/settings"
	"github.com/gorilla/mux"
)

// Failover is the part of the failover controller the API drives.
type Failover interface {
	Status() failover.Report
	Activate(ctx context.Context, req failover.ActivateRequest) (failover.Report, error)
	RequestRestart(reason string) uint64
}

// ConfigStore is the part of the config store the API exposes.
type ConfigStore interface {
	Get(ctx context.Context, name string) (db.DatabaseConfig, error)
	Put(ctx context.Context, cfg db.DatabaseConfig) error
	List(ctx context.Context) ([]db.ConfigSummary, error)
}

// Prober tests a configuration without persisting it.
type Prober interface {
	Test(ctx context.Context, cfg db.DatabaseConfig, timeout time.Duration) probe.Result
}

// PoolLister reports open pool handles.
type PoolLister interface {
	Handles() []poolregistry.HandleInfo
}

// SettingsReader reads settings rows from the active database.
type SettingsReader interface {
	List(ctx context.Context, f settings.Filter) ([]settings.Setting, error)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	probeTimeout time.Duration
	failover     Failover
	store        ConfigStore
	prober       Prober
	pools        PoolLister
	settings     SettingsReader
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	ProbeTimeout time.Duration
	Failover     Failover
	Store        ConfigStore
	Prober       Prober
	Pools        PoolLister
	Settings     SettingsReader
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Failover == nil || options.Store == nil || options.Prober == nil {
		return nil, fmt.Errorf("failover controller, config store and prober are required for HTTP API server")
	}

	// Validate TLS configuration
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		probeTimeout: options.ProbeTimeout,
		failover:     options.Failover,
		store:        options.Store,
		prober:       options.Prober,
		pools:        options.Pools,
		settings:     options.Settings,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start starts the HTTP API server
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: Starting server", "component", "HTTP API", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server", "component", "HTTP API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "component", "HTTP API", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Failover status and control
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/activate", s.handleActivate).Methods("POST")
	v1.HandleFunc("/restart", s.handleRestart).Methods("POST")

	// Stored connection configurations
	v1.HandleFunc("/configs", s.handleListConfigs).Methods("GET")
	v1.HandleFunc("/configs/{name}", s.handleGetConfig).Methods("GET")
	v1.HandleFunc("/configs/{name}", s.handlePutConfig).Methods("POST", "PUT")
	v1.HandleFunc("/configs/{name}/test", s.handleTestConfig).Methods("POST")

	// Diagnostics
	v1.HandleFunc("/pools", s.handleListPools).Methods("GET")
	v1.HandleFunc("/settings", s.handleListSettings).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("HTTP API: Request", "component", "HTTP API", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request completed", "component", "HTTP API", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "component", "HTTP API", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string           `json:"error"`
	ErrorKind db.ErrorKind     `json:"error_kind,omitempty"`
	Field     string           `json:"field,omitempty"`
	Status    *failover.Report `json:"status,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch db.KindOf(err) {
	case db.KindValidation:
		return http.StatusBadRequest
	case db.KindNotFound:
		return http.StatusNotFound
	case db.KindActivationAborted:
		return http.StatusConflict
	case db.KindTimeout, db.KindAuthFailed, db.KindHostUnreachable, db.KindDatabaseNotFound:
		return http.StatusUnprocessableEntity
	case db.KindPoolUnavailable:
		return http.StatusServiceUnavailable
	case db.KindUnknown:
		if errors.Is(err, db.ErrProbeFailed) {
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// writeKindError writes err with its kind. Message is already redacted.
func (s *Server) writeKindError(w http.ResponseWriter, err error, message string, report *failover.Report) {
	resp := ErrorResponse{Error: message, ErrorKind: db.KindOf(err), Status: report}
	var verr *db.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("HTTP API: Request failed", "component", "HTTP API", "kind", resp.ErrorKind, "error", message)
	}
	s.writeJSON(w, status, resp)
}
