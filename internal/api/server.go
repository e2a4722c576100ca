package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/icejuk/sipeksdk/internal/api/middleware"
	"github.com/icejuk/sipeksdk/internal/calllog"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/feature"
	"github.com/icejuk/sipeksdk/internal/presence"
	"github.com/icejuk/sipeksdk/internal/registry"
	"github.com/icejuk/sipeksdk/internal/session"
)

// Session is the part of session.Session the API drives.
type Session interface {
	Initialized() bool

	Calls() ([]registry.CallRecord, error)
	Call(call engine.CallID) (registry.CallRecord, error)
	CurrentCall() engine.CallID
	MakeCall(acc engine.AccountID, uri string) (engine.CallID, error)
	ReleaseCall(call engine.CallID) error
	AnswerCall(call engine.CallID, code int) error
	HoldCall(call engine.CallID) error
	RetrieveCall(call engine.CallID) error
	XferCall(call engine.CallID, uri string) error
	XferCallWithReplaces(call, target engine.CallID) error
	ServiceRequest(call engine.CallID, code feature.ServiceCode, destination string) error
	DialDTMF(call engine.CallID, digits string, mode session.DTMFMode) error
	SendInfo(call engine.CallID, content string) error
	MakeConference(call engine.CallID) error
	SendCallMessage(call engine.CallID, text string) error

	Accounts() ([]registry.AccountRecord, error)
	RegisterAccount(cfg engine.AccountConfig) (engine.AccountID, error)
	RemoveAccounts() error
	SetStatus(acc engine.AccountID, state presence.State) error

	Buddies() ([]registry.BuddyRecord, error)
	AddBuddy(uri string, subscribe bool) (engine.BuddyID, error)
	RemoveBuddy(id engine.BuddyID) error
	SendMessage(acc engine.AccountID, uri, text string) error
	SendTyping(acc engine.AccountID, uri string, typing bool) error

	Codecs() ([]engine.CodecInfo, error)
	SetCodecPriority(name string, priority int) error
}

// CallLog is the call history store.
type CallLog interface {
	List(ctx context.Context, filter calllog.Filter) ([]calllog.Entry, int, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) (int64, error)
}

// Options configures the HTTP surface.
type Options struct {
	// Secret is the HS256 key for bearer tokens. Empty disables auth.
	Secret []byte
	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit float64
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	session Session
	callLog CallLog
	hub     *Hub
	opts    Options
	limiter *middleware.IPRateLimiter
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. callLog and
// hub may be nil.
func NewServer(sess Session, callLog CallLog, hub *Hub, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		session: sess,
		callLog: callLog,
		hub:     hub,
		opts:    opts,
		logger:  logger.With("subsystem", "api"),
	}
	if opts.RateLimit > 0 {
		s.limiter = middleware.NewIPRateLimiter(middleware.NewRateLimitConfig(opts.RateLimit), s.logger)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	if s.limiter != nil {
		r.Use(middleware.RateLimit(s.limiter))
	}

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if len(s.opts.Secret) > 0 {
				r.Use(middleware.RequireAuth(s.opts.Secret, s.logger))
			} else {
				s.logger.Warn("api secret not configured, control api is unauthenticated")
			}

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handleMakeCall)
				r.Get("/current", s.handleCurrentCall)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Delete("/", s.handleReleaseCall)
					r.Post("/answer", s.handleAnswerCall)
					r.Post("/hold", s.handleHoldCall)
					r.Post("/retrieve", s.handleRetrieveCall)
					r.Post("/transfer", s.handleTransferCall)
					r.Post("/transfer-replaces", s.handleTransferReplaces)
					r.Post("/dtmf", s.handleDialDTMF)
					r.Post("/info", s.handleSendInfo)
					r.Post("/conference", s.handleConference)
					r.Post("/service", s.handleServiceRequest)
					r.Post("/message", s.handleCallMessage)
				})
			})

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", s.handleListAccounts)
				r.Post("/", s.handleRegisterAccount)
				r.Delete("/", s.handleRemoveAccounts)
				r.Put("/{id}/presence", s.handleSetPresence)
			})

			r.Route("/buddies", func(r chi.Router) {
				r.Get("/", s.handleListBuddies)
				r.Post("/", s.handleAddBuddy)
				r.Delete("/{id}", s.handleRemoveBuddy)
			})

			r.Post("/messages", s.handleSendMessage)
			r.Post("/typing", s.handleSendTyping)

			r.Route("/codecs", func(r chi.Router) {
				r.Get("/", s.handleListCodecs)
				r.Put("/{name}", s.handleSetCodecPriority)
			})

			r.Route("/calllog", func(r chi.Router) {
				r.Get("/", s.handleListCallLog)
				r.Delete("/", s.handleClearCallLog)
				r.Delete("/{id}", s.handleDeleteCallLog)
			})

			if s.hub != nil {
				r.Get("/events", s.hub.ServeHTTP)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth reports whether the session is running. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.session.Initialized() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
