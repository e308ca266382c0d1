package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/sandboxd/pkg/ingress"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
)

// ACMEFactory registers a fresh ACME account for email and returns a client
// ready to issue certificates, satisfying POST /admin/acme/{email}'s "create
// account" semantics without requiring an account email at process start.
type ACMEFactory func(ctx context.Context, email string) (*ingress.ACMEClient, error)

// Server is the admin/control HTTP API of spec §4.8: tenant lifecycle
// requests and ACME/revive administration, bearer-authenticated and
// scope-checked.
type Server struct {
	store       storage.Store
	sched       *scheduler.Scheduler
	verifier    Verifier
	acmeFactory ACMEFactory

	mu   sync.RWMutex
	acme *ingress.ACMEClient

	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer wires the admin API's routes against store and sched, verifier
// for bearer-token auth, and acmeFactory to lazily stand up the ACME client
// on demand. acmeFactory may be nil if ACME administration is disabled.
func NewServer(store storage.Store, sched *scheduler.Scheduler, verifier Verifier, acmeFactory ACMEFactory) *Server {
	s := &Server{
		store:       store,
		sched:       sched,
		verifier:    verifier,
		acmeFactory: acmeFactory,
		logger:      log.WithComponent("admin-api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(s.requestLogger)
	r.Use(s.authMiddleware)

	r.Route("/projects/{name}", func(pr chi.Router) {
		pr.Post("/", requireScope("projects:write", s.handleCreateProject))
		pr.Get("/", requireScope("projects:read", s.handleGetProject))
		pr.Delete("/", requireScope("projects:write", s.handleDeleteProject))
		pr.Get("/events", requireScope("projects:read", s.handleListEvents))
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Post("/acme/{email}", requireScope("admin", s.handleCreateACMEAccount))
		ar.Post("/acme/request/{name}/{fqdn}", requireScope("admin", s.handleRequestCertificate))
		ar.Post("/revive", requireScope("admin", s.handleRevive))
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the admin API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("admin API listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// --- request/response bodies ---

type createProjectRequest struct {
	OwnerEmail    string                `json:"owner_email"`
	IdleMinutes   int                   `json:"idle_minutes"`
	NotifyWebhook string                `json:"notify_webhook"`
	RateLimit     types.RateLimitConfig `json:"rate_limit"`
}

type projectResponse struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// --- project handlers ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req createProjectRequest
	if r.Body != nil && r.ContentLength != 0 {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errInvalidOperation("malformed request body"))
			return
		}
	}

	if _, err := s.store.GetTenant(r.Context(), name); err == nil {
		writeError(w, errAlreadyExists("project name already taken"))
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeError(w, translateError(err))
		return
	}

	identity := identityFromContext(r.Context())
	tenant := &types.Tenant{
		ID:            uuid.NewString(),
		Name:          name,
		OwnerID:       identity.OwnerID,
		OwnerEmail:    identity.OwnerEmail,
		NotifyWebhook: req.NotifyWebhook,
		IdleMinutes:   req.IdleMinutes,
		RateLimit:     req.RateLimit,
		State:         types.Sandbox{Phase: types.PhaseCreating},
		CreatedAt:     time.Now(),
	}
	if req.OwnerEmail != "" {
		tenant.OwnerEmail = req.OwnerEmail
	}

	if err := s.store.CreateTenant(r.Context(), tenant); err != nil {
		writeError(w, translateError(err))
		return
	}

	if _, err := s.sched.EnqueueCreate(name); err != nil {
		s.logger.Warn().Err(err).Str("tenant", name).Msg("failed to enqueue create")
	}

	writeJSON(w, http.StatusOK, projectResponse{Name: tenant.Name, State: string(tenant.State.Phase)})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	tenant, err := s.store.GetTenant(r.Context(), name)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{Name: tenant.Name, State: string(tenant.State.Phase)})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	tenant, err := s.store.GetTenant(r.Context(), name)
	if err != nil {
		writeError(w, translateError(err))
		return
	}

	if tenant.State.Phase == types.PhaseDestroyed {
		if err := s.sched.DeleteRecord(r.Context(), name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Str("tenant", name).Msg("failed to delete destroyed record")
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(types.PhaseDestroyed)})
		return
	}

	if _, err := s.sched.EnqueueDestroy(name); err != nil {
		writeError(w, translateError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(types.PhaseDestroying)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, err := s.store.GetTenant(r.Context(), name); err != nil {
		writeError(w, translateError(err))
		return
	}

	events, err := s.store.ListAuditEventsByTenant(r.Context(), name, 200)
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- admin handlers ---

func (s *Server) handleCreateACMEAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	if s.acmeFactory == nil {
		writeError(w, errInvalidOperation("ACME administration is disabled"))
		return
	}

	client, err := s.acmeFactory(r.Context(), email)
	if err != nil {
		writeError(w, errInternal(fmt.Sprintf("registering ACME account: %v", err)))
		return
	}

	s.mu.Lock()
	s.acme = client
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "email": email})
}

func (s *Server) handleRequestCertificate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fqdn := chi.URLParam(r, "fqdn")

	challengeType := ingress.ChallengeHTTP01
	if q := r.URL.Query().Get("challenge_type"); q != "" {
		challengeType = ingress.ChallengeType(q)
	}

	s.mu.RLock()
	acmeClient := s.acme
	s.mu.RUnlock()
	if acmeClient == nil {
		writeError(w, errInvalidOperation("no ACME account configured; POST /admin/acme/{email} first"))
		return
	}

	if _, err := s.store.GetTenant(r.Context(), name); err != nil {
		writeError(w, translateError(err))
		return
	}

	domain, err := acmeClient.IssueForDomain(r.Context(), name, fqdn, challengeType)
	if err != nil {
		writeError(w, errInternal(fmt.Sprintf("issuing certificate: %v", err)))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fqdn":      domain.FQDN,
		"not_after": domain.NotAfter,
	})
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	revived, err := s.sched.ReviveErrored(r.Context())
	if err != nil {
		writeError(w, translateError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revived": revived})
}
