package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"grandeapp/internal/backend"
	"grandeapp/internal/buyrequest"
	"grandeapp/internal/chat"
	"grandeapp/internal/config"
	"grandeapp/internal/escrow"
	"grandeapp/internal/hmacauth"
	"grandeapp/internal/idempotency"
	"grandeapp/internal/models"
)

// ListingSource fetches a single listing.
type ListingSource interface {
	GetListing(ctx context.Context, id string) (models.Listing, error)
}

// Deps are the collaborators the HTTP layer drives. Chain, BackendHealth and
// ChainHealth are optional.
type Deps struct {
	Listings ListingSource
	Requests *buyrequest.Service
	Watcher  *buyrequest.Watcher
	Escrow   escrow.Client
	Releaser *escrow.Releaser
	Chain    escrow.BalanceReader
	Chat     *chat.Registry
	Store    idempotency.Store
	Metrics  *Metrics
	Log      logrus.FieldLogger

	BackendHealth func(context.Context) error
	ChainHealth   func(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	log        logrus.FieldLogger
	metrics    *Metrics
	webhook    *hmacauth.Verifier
	limiter    *clientLimiter
	router     *mux.Router
	httpServer *http.Server
	dbHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}

	proxies, err := parseProxies(cfg.Service.TrustedProxies)
	if err != nil {
		deps.Log.WithError(err).Warn("ignoring TRUSTED_PROXIES; rate limiting by remote address")
		proxies = nil
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log,
		metrics: deps.Metrics,
		limiter: newClientLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst, proxies),
	}
	s.webhook = &hmacauth.Verifier{
		Secret:  cfg.Service.WebhookSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnReject: func(r *http.Request, err error) {
			s.metrics.incCallback("rejected")
			s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("escrow callback rejected")
		},
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.loggingMiddleware, s.limiter.middleware, sessionMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)

	api.HandleFunc("/listings/{id}", s.handleGetListing).Methods(http.MethodGet)
	api.HandleFunc("/listings/{id}/requests", s.handleBoard).Methods(http.MethodGet)
	api.HandleFunc("/listings/{id}/watch", s.handleWatch).Methods(http.MethodPost)
	api.HandleFunc("/listings/{id}/watch", s.handleUnwatch).Methods(http.MethodDelete)
	api.HandleFunc("/requests", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/listings/{id}/requests/{requestId}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/listings/{id}/requests/{requestId}/deny", s.handleDeny).Methods(http.MethodPost)
	api.HandleFunc("/listings/{id}/requests/{requestId}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/listings/{id}/requests/{requestId}/select", s.handleSelect).Methods(http.MethodPost)

	api.HandleFunc("/escrow", s.handleEnsureEscrow).Methods(http.MethodPost)
	api.HandleFunc("/escrow/{requestId}/balance", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/escrow/{requestId}/release", s.handleRelease).Methods(http.MethodPost)

	api.HandleFunc("/chat/channels", s.handleChannels).Methods(http.MethodGet)
	api.HandleFunc("/chat/channels/{channelId}/token", s.handleChatToken).Methods(http.MethodPost)
	api.HandleFunc("/chat/sessions/{userId}", s.handleEndChat).Methods(http.MethodDelete)

	api.Handle("/callbacks/escrow", s.webhook.Middleware(http.HandlerFunc(s.handleEscrowCallback))).Methods(http.MethodPost)
	return r
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, buyrequest.ErrNotFound), errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, buyrequest.ErrNotApproved),
		errors.Is(err, buyrequest.ErrConfirmationClosed),
		errors.Is(err, escrow.ErrNotFunded),
		errors.Is(err, escrow.ErrAlreadyReleased):
		return http.StatusConflict
	case errors.Is(err, buyrequest.ErrNotConfirmed):
		return http.StatusBadRequest
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if code := backend.StatusCode(err); code != 0 {
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict:
			return code
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"request_id": r.Header.Get(headerRequestID),
		"status":     status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request refused")
	}
	writeError(w, status, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid json payload")
	}
	return nil
}
