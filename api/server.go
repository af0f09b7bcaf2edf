package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gregtusar/tokenset/pkg/auth"
	"github.com/gregtusar/tokenset/pkg/basket"
	"github.com/gregtusar/tokenset/pkg/events"
	"github.com/gregtusar/tokenset/pkg/executor"
	"github.com/gregtusar/tokenset/pkg/factory"
	"github.com/gregtusar/tokenset/pkg/ledger"
	"github.com/gregtusar/tokenset/pkg/metrics"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/gregtusar/tokenset/pkg/provisioning"
	"github.com/gregtusar/tokenset/pkg/rent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("api: malformed request body")

type Params struct {
	Registry  *factory.Registry
	Saga      *provisioning.Saga
	Issuer    *auth.Issuer
	Events    *events.Hub
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	RateLimit float64
	Burst     int
	Logger    *logrus.Logger
}

type Server struct {
	registry *factory.Registry
	saga     *provisioning.Saga
	issuer   *auth.Issuer
	events   *events.Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	limiter  *limiter
	logger   *logrus.Logger
	port     string

	srv *http.Server
}

func NewServer(p Params, port string) *Server {
	return &Server{
		registry: p.Registry,
		saga:     p.Saga,
		issuer:   p.Issuer,
		events:   p.Events,
		metrics:  p.Metrics,
		gatherer: p.Gatherer,
		limiter:  newLimiter(rate.Limit(p.RateLimit), p.Burst),
		logger:   p.Logger,
		port:     port,
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /api/health", s.handleHealth, false)

	s.route(mux, "GET /api/baskets", s.handleListBaskets, false)
	s.route(mux, "GET /api/baskets/{id}", s.handleBasketMetadata, false)
	s.route(mux, "GET /api/baskets/{id}/balances/{account}", s.handleBalances, false)
	s.route(mux, "POST /api/baskets/{id}/register", s.handleRegister, true)
	s.route(mux, "POST /api/baskets/{id}/deposit", s.handleDepositComponent, true)
	s.route(mux, "POST /api/baskets/{id}/withdraw", s.handleWithdrawComponent, true)
	s.route(mux, "POST /api/baskets/{id}/wrap", s.handleWrap, true)
	s.route(mux, "POST /api/baskets/{id}/unwrap", s.handleUnwrap, true)
	s.route(mux, "POST /api/baskets/{id}/burn", s.handleBurn, true)
	s.route(mux, "POST /api/baskets/{id}/close", s.handleCloseAccount, true)
	s.route(mux, "POST /api/baskets/{id}/fee", s.handleUpdateFee, true)
	s.route(mux, "POST /api/baskets/{id}/metadata", s.handleUpdateMetadata, true)

	s.route(mux, "POST /api/provisioning/deposit", s.handleProvisioningDeposit, true)
	s.route(mux, "POST /api/provisioning/withdraw", s.handleProvisioningWithdraw, true)
	s.route(mux, "POST /api/provisioning/close", s.handleProvisioningClose, true)
	s.route(mux, "GET /api/provisioning/accounts/{account}", s.handleProvisioningAccount, false)
	s.route(mux, "POST /api/provisioning/instances", s.handleRequestProvisioning, true)
	s.route(mux, "GET /api/provisioning/instances", s.handleListInstances, false)

	if s.events != nil {
		mux.Handle("GET /api/events", s.rateLimited(s.events))
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting API server on port %s", s.port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// route registers pattern with metrics, rate limiting and, when
// authenticated is set, the caller check.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc, authenticated bool) {
	var handler http.Handler = h
	if authenticated {
		handler = s.authenticate(handler)
	}
	handler = s.rateLimited(handler)
	mux.Handle(pattern, s.observe(pattern, handler))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type callerKey struct{}

func callerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		caller, err := s.issuer.Verify(token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

// limiter hands out one token bucket per client address.
// limiterIdle is how long a client bucket survives without requests.
const limiterIdle = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*bucket
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiter(limit rate.Limit, burst int) *limiter {
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		limit:     limit,
		burst:     burst,
		buckets:   make(map[string]*bucket),
		idle:      limiterIdle,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *limiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than l.idle. The caller holds l.mu.
func (l *limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			s.writeJSON(w, http.StatusTooManyRequests, models.ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observe(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveRequest(route, rec.status, time.Since(start))
	})
}

func (s *Server) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, models.ErrorResponse{Error: err.Error()})
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case isAny(err, auth.ErrMissingToken, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case isAny(err, basket.ErrNotOwner, basket.ErrFeeNotUpdatable):
		return http.StatusForbidden
	case isAny(err, factory.ErrInstanceNotFound, provisioning.ErrAccountNotFound):
		return http.StatusNotFound
	case isAny(err,
		basket.ErrInsufficientBasketBalance,
		basket.ErrInsufficientShareBalance,
		basket.ErrAccountNotRegistered,
		basket.ErrAccountNotEmpty,
		provisioning.ErrInsufficientEscrow,
		provisioning.ErrInstanceExists,
		provisioning.ErrAccountBusy,
		rent.ErrInsufficientDeposit,
		rent.ErrNotRegistered,
		ledger.ErrInsufficientBalance,
		models.ErrAmountOverflow,
	):
		return http.StatusConflict
	case isAny(err, executor.ErrQueueFull, executor.ErrStopped):
		return http.StatusServiceUnavailable
	case isAny(err,
		errBadRequest,
		basket.ErrEmptyBasket,
		basket.ErrDuplicateAsset,
		basket.ErrZeroRatio,
		basket.ErrReservedAsset,
		basket.ErrFeeOutOfRange,
		basket.ErrInvalidMetadata,
		basket.ErrInvalidAccount,
		basket.ErrUnknownAsset,
		provisioning.ErrInvalidPrefix,
		provisioning.ErrInvalidAccount,
		models.ErrInvalidAmount,
		models.ErrAmountUnderflow,
	):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	s.writeJSON(w, http.StatusOK, response)
}
