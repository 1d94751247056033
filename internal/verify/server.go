// Package verify is the knockd HTTP service: it stores reference patterns
// and checks candidate gestures against them.
package verify

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"knockd/internal/health"
	"knockd/internal/knock"
	"knockd/internal/logging"
	"knockd/internal/metrics"
	"knockd/internal/security"
	"knockd/internal/store"
)

// maxBodySize caps request bodies. A 256-tap gesture fits many times over.
const maxBodySize = 64 << 10

// Store is the pattern storage the service needs. *store.Store satisfies it.
type Store interface {
	SavePattern(p *store.Pattern) error
	GetPattern(id string) (*store.Pattern, error)
	ListPatterns() ([]*store.Pattern, error)
	DeletePattern(id string) error
	CountPatterns() (int, error)
	RecordAttempt(a *store.Attempt) error
	ListAttempts(patternID string, limit int) ([]*store.Attempt, error)
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Store   Store
	Policy  knock.Policy
	Metrics *metrics.KnockdMetrics
	Logger  *logging.Logger

	// Lockout refuses verifications of a pattern after repeated failures.
	// Nil disables it.
	Lockout *security.Lockout

	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string
}

// Server routes the verification API.
type Server struct {
	store   Store
	metrics *metrics.KnockdMetrics
	health  *health.Checker
	log     *logging.Logger
	lockout *security.Lockout
	policy  atomic.Pointer[knock.Policy]
	handler http.Handler
}

// New validates opts and builds the router.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("verify: store is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		store:   opts.Store,
		metrics: opts.Metrics,
		health:  health.NewChecker(),
		log:     opts.Logger,
		lockout: opts.Lockout,
	}
	if s.metrics == nil {
		s.metrics = metrics.NewKnockdMetrics(nil)
	}
	if s.log == nil {
		s.log = logging.Default().WithComponent("verify")
	}
	p := opts.Policy
	s.policy.Store(&p)

	s.health.RegisterFunc("store", true, opts.Store.Ping)
	if n, err := opts.Store.CountPatterns(); err == nil {
		s.metrics.PatternsStored.Set(int64(n))
	}

	router := mux.NewRouter().StrictSlash(true)
	router.Use(s.requestMiddleware)
	router.Handle("/healthz", s.health.Handler()).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Registry().HTTPHandler()).Methods(http.MethodGet)
	router.HandleFunc("/patterns", s.handleListPatterns).Methods(http.MethodGet)
	router.HandleFunc("/patterns", s.handleCreatePattern).Methods(http.MethodPost)
	router.HandleFunc("/patterns/{id}", s.handleGetPattern).Methods(http.MethodGet)
	router.HandleFunc("/patterns/{id}", s.handleDeletePattern).Methods(http.MethodDelete)
	router.HandleFunc("/patterns/{id}/verify", s.handleVerify).Methods(http.MethodPost)
	router.HandleFunc("/patterns/{id}/attempts", s.handleListAttempts).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.handler = router
	if len(opts.AllowedOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader},
		}).Handler(router)
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Policy returns the server default policy.
func (s *Server) Policy() knock.Policy {
	return *s.policy.Load()
}

// SetPolicy replaces the server default policy for later verifications.
func (s *Server) SetPolicy(p knock.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(&p)
	s.log.Info("default policy updated", "policy", p.String())
	return nil
}

// Health exposes the checker so callers can register more components.
func (s *Server) Health() *health.Checker {
	return s.health
}

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = s.log.NewRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.log.WithRequestID(id).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
