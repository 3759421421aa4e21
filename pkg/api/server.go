package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/oracle"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
	"github.com/Mindburn-Labs/flightcover/pkg/resolution"
)

// Engine is the part of resolution.Engine the API drives.
type Engine interface {
	Address() identity.Address
	NewPolicy(ctx context.Context, caller identity.Address, req resolution.NewPolicyRequest) (policy.Policy, error)
	ResolvePolicy(ctx context.Context, caller identity.Address, id policy.ID) (resolution.Outcome, error)
	HandleResponse(ctx context.Context, caller identity.Address, corr uuid.UUID, raw int64) (resolution.ResponseResult, error)
	SetOracleParams(ctx context.Context, caller identity.Address, p oracle.Params) (oracle.Params, error)
	OracleParams() oracle.Params
	GetPolicy(ctx context.Context, id policy.ID) (policy.Policy, error)
	ListActive(ctx context.Context) ([]policy.Policy, error)
	ListDue(ctx context.Context, asOf time.Time) ([]policy.Policy, error)
}

// Options tunes the HTTP surface.
type Options struct {
	RateLimit float64
	Burst     int
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine  Engine
	schemas schemas
	limiter *RateLimiter
	logger  *slog.Logger
	clock   func() time.Time
	router  chi.Router
}

func NewServer(engine Engine, auth *Authenticator, opts Options) (*Server, error) {
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}

	s := &Server{
		engine:  engine,
		schemas: compiled,
		limiter: NewRateLimiter(opts.RateLimit, opts.Burst),
		logger:  opts.Logger.With("component", "api"),
		clock:   opts.Clock,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.limiter.Middleware)
	r.Use(AuthMiddleware(auth))

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/policies", s.createPolicy)
		r.Get("/policies", s.listActive)
		r.Get("/policies/due", s.listDue)
		r.Get("/policies/{id}", s.getPolicy)
		r.Post("/policies/{id}/resolve", s.resolvePolicy)
		r.Post("/oracle/fulfill", s.fulfill)
		r.Get("/oracle/params", s.getParams)
		r.Put("/oracle/params", s.putParams)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Limiter exposes the per-IP limiter so the caller can run its sweeper.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", RequestID(r.Context()),
		)
	})
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (identity.Address, bool) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
	}
	return caller, ok
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"engine": s.engine.Address().String(),
	})
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body CreatePolicyRequest
	if !s.schemas.decode(w, r, "policy.create.json", &body) {
		return
	}
	req, err := body.toEngine()
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	p, err := s.engine.NewPolicy(r.Context(), caller, req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/policies/"+p.ID.String())
	writeJSON(w, http.StatusCreated, policyView(p))
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := parsePolicyID(chi.URLParam(r, "id"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	p, err := s.engine.GetPolicy(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyView(p))
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	ps, err := s.engine.ListActive(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policyViews(ps)})
}

func (s *Server) listDue(w http.ResponseWriter, r *http.Request) {
	asOf := s.clock()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteBadRequest(w, r, "as_of must be an RFC 3339 timestamp")
			return
		}
		asOf = t
	}
	ps, err := s.engine.ListDue(r.Context(), asOf)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"as_of":    asOf.UTC(),
		"policies": policyViews(ps),
	})
}

func (s *Server) resolvePolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, err := parsePolicyID(chi.URLParam(r, "id"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	out, err := s.engine.ResolvePolicy(r.Context(), caller, id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Kind == resolution.OutcomeQueried {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcomeView(out))
}

func (s *Server) fulfill(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body FulfillRequest
	if !s.schemas.decode(w, r, "oracle.fulfill.json", &body) {
		return
	}

	res, err := s.engine.HandleResponse(r.Context(), caller, body.CorrelationID, body.Status)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, responseView(res))
}

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, paramsBody(s.engine.OracleParams()))
}

func (s *Server) putParams(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body ParamsBody
	if !s.schemas.decode(w, r, "oracle.params.json", &body) {
		return
	}
	p, err := body.toParams()
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	installed, err := s.engine.SetOracleParams(r.Context(), caller, p)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.logger.Info("oracle params updated", "version", installed.Version, "oracle", installed.Oracle.String(), "by", caller.String())
	writeJSON(w, http.StatusOK, paramsBody(installed))
}
