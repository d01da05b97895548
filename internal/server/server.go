// Package server exposes the screening workflow over HTTP: session login,
// chat turns (text, image, audio), history, uploads, and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tehqua/medscreening/internal/session"
	"github.com/tehqua/medscreening/internal/workflow"
)

// TurnRunner executes one conversational turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, in workflow.TurnInput) (workflow.TurnResult, error)
}

// SessionManager is the slice of the session store the server needs.
type SessionManager interface {
	Create(ctx context.Context, patientID string) (session.Session, error)
	Get(ctx context.Context, sessionID string) (session.Session, error)
	Touch(ctx context.Context, sessionID string) error
	Invalidate(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string, limit int) ([]session.Turn, error)
	ClearHistory(ctx context.Context, sessionID string) (int64, error)
}

// Pinger reports backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Runner        TurnRunner
	Sessions      SessionManager
	Tokens        *TokenIssuer
	UploadDir     string
	RatePerMinute int
	RateBurst     int
	ModelPinger   Pinger // optional
	DBPinger      Pinger // optional
	Log           *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	runner    TurnRunner
	sessions  SessionManager
	tokens    *TokenIssuer
	limiter   *patientLimiter
	uploadDir string
	pinger    Pinger
	dbPinger  Pinger
	log       *zap.Logger
}

// New creates a Server from options.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		runner:    opts.Runner,
		sessions:  opts.Sessions,
		tokens:    opts.Tokens,
		limiter:   newPatientLimiter(opts.RatePerMinute, opts.RateBurst),
		uploadDir: opts.UploadDir,
		pinger:    opts.ModelPinger,
		dbPinger:  opts.DBPinger,
		log:       log,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/api/auth/logout", s.handleLogout)
		r.Post("/api/chat/message", s.handleMessage)
		r.Post("/api/chat/message-with-image", s.handleMessageWithImage)
		r.Post("/api/chat/message-with-audio", s.handleMessageWithAudio)
		r.Get("/api/chat/history", s.handleHistory)
		r.Delete("/api/chat/history", s.handleClearHistory)
		r.Post("/api/upload", s.handleUpload)
	})

	return r
}
