// ABOUTME: Gateway orchestrator that wires the store, broadcaster and services behind the HTTP server
// ABOUTME: Owns the server lifecycle and the bearer-token middleware delegates authenticate with

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quayside/delegate-broker/internal/auth"
	"github.com/quayside/delegate-broker/internal/broadcast"
	"github.com/quayside/delegate-broker/internal/capability"
	"github.com/quayside/delegate-broker/internal/config"
	"github.com/quayside/delegate-broker/internal/events"
	"github.com/quayside/delegate-broker/internal/lifecycle"
	"github.com/quayside/delegate-broker/internal/liveness"
	"github.com/quayside/delegate-broker/internal/queue"
	"github.com/quayside/delegate-broker/internal/registry"
	"github.com/quayside/delegate-broker/internal/selection"
	"github.com/quayside/delegate-broker/internal/store"
	"github.com/quayside/delegate-broker/internal/waiter"
)

// Gateway orchestrates the delegate-broker server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	broadcaster broadcast.Broadcaster
	publisher   *events.Publisher
	notifier    waiter.Notifier

	registry    *registry.Service
	tracker     *liveness.Tracker
	matcher     *capability.Matcher
	engine      *selection.Engine
	queue       *queue.Queue
	coordinator *lifecycle.Coordinator
	relay       *CheckRelay

	verifier   *auth.JWTVerifier
	metrics    *Metrics
	logger     *slog.Logger
	httpServer *http.Server
}

// staticAccounts treats every account as live. A control-plane deployment
// replaces this with its account service.
type staticAccounts struct{}

func (staticAccounts) IsDeleted(context.Context, string) (bool, error) {
	return false, nil
}

// staticLimits applies one configured delegate quota to every account.
type staticLimits struct {
	max int
}

func (l staticLimits) MaxAllowed(context.Context, string) (int, error) {
	return l.max, nil
}

// New builds a fully wired gateway from config. The Redis broadcaster is only
// dialed when enabled; otherwise notifications stay in-process.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	var b broadcast.Broadcaster
	if cfg.Redis.Enabled {
		rb, err := broadcast.NewRedisBroadcaster(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connecting redis: %w", err)
		}
		b = rb
	} else {
		b = broadcast.NewMemoryBroadcaster()
	}

	pub := events.NewPublisher()
	notifier := waiter.NewMemoryNotifier()

	relay := NewCheckRelay(b, 30*time.Second)
	matcher := capability.NewMatcher(s, relay, selection.ScopeMatcher{})

	resolver := func(string) bool { return cfg.Delegates.CapabilitySelection }
	engine := selection.NewEngine(s, matcher, resolver)

	limits := queue.Limits{
		Critical:  cfg.Tasks.CriticalLimit,
		Important: cfg.Tasks.ImportantLimit,
		Optional:  cfg.Tasks.OptionalLimit,
	}
	q := queue.New(s, engine, notifier, pub, b, limits, resolver)
	coord := lifecycle.NewCoordinator(s, engine, matcher, q, notifier, pub,
		&lifecycle.EligibleRetryObserver{Engine: engine})

	// The default registerer rejects duplicate registration, so only attach
	// to it when the metrics endpoint is actually served.
	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
	}

	g := &Gateway{
		config:      cfg,
		store:       s,
		broadcaster: b,
		publisher:   pub,
		notifier:    notifier,
		registry:    registry.NewService(s, staticAccounts{}, staticLimits{max: cfg.Delegates.MaxPerAccount}, b, pub),
		tracker:     liveness.NewTracker(s, b, pub, cfg.Delegates.TrackCapabilities),
		matcher:     matcher,
		engine:      engine,
		queue:       q,
		coordinator: coord,
		relay:       relay,
		verifier:    auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		metrics:     NewMetrics(reg),
		logger:      logger.With("component", "gateway"),
	}

	// A profile change invalidates the delegate's verdict cache.
	pub.OnProfileChanged(func(ctx context.Context, e events.ProfileChanged) {
		if err := matcher.RegeneratePermissions(ctx, e.AccountID, e.DelegateID); err != nil {
			g.logger.Warn("permission regeneration after profile change failed",
				"account_id", e.AccountID, "delegate_id", e.DelegateID, "error", err)
		}
	})

	g.httpServer = &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      g.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return g, nil
}

// routes builds the HTTP mux. Everything under /api requires a bearer token.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.requireAccount(h))
	}

	api("POST /api/delegates/register", g.handleRegister)
	api("GET /api/delegates", g.handleListDelegates)
	api("DELETE /api/delegates/{delegateID}", g.handleDeleteDelegate)
	api("POST /api/delegates/{delegateID}/approval", g.handleApproval)
	api("POST /api/delegates/{delegateID}/heartbeat", g.handleHeartbeat)
	api("POST /api/delegates/{delegateID}/disconnect", g.handleDisconnect)
	api("GET /api/delegates/{delegateID}/task-events", g.handleTaskEvents)

	api("PUT /api/delegates/{delegateID}/tasks/{taskID}/acquire", g.handleAcquire)
	api("POST /api/delegates/{delegateID}/tasks/{taskID}/results", g.handleConnectionResults)
	api("POST /api/delegates/{delegateID}/tasks/{taskID}/response", g.handleTaskResponse)
	api("POST /api/delegates/{delegateID}/tasks/{taskID}/fail", g.handleTaskFail)

	api("POST /api/delegates/{delegateID}/capabilities/check", g.handleCapabilityCheck)
	api("POST /api/delegates/{delegateID}/capabilities/results", g.handleCapabilityResults)

	api("POST /api/tasks", g.handleQueueTask)
	api("POST /api/tasks/{taskID}/abort", g.handleAbortTask)
	api("GET /api/tasks/{taskID}/selection-logs", g.handleSelectionLogs)

	return mux
}

type contextKey string

const accountIDKey contextKey = "account_id"

// requireAccount verifies the bearer token and stores the account ID in the
// request context.
func (g *Gateway) requireAccount(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			g.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		accountID, err := g.verifier.Verify(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				g.sendJSONError(w, http.StatusUnauthorized, "token expired")
				return
			}
			g.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), accountIDKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accountID returns the authenticated account from the request context.
func accountID(r *http.Request) string {
	id, _ := r.Context().Value(accountIDKey).(string)
	return id
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http shutdown", "error", err)
		}
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	return g.Close()
}

// Close releases the gateway's resources.
func (g *Gateway) Close() error {
	if rb, ok := g.broadcaster.(*broadcast.RedisBroadcaster); ok {
		if err := rb.Close(); err != nil {
			g.logger.Warn("closing redis", "error", err)
		}
	}
	return g.store.Close()
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps domain errors onto HTTP statuses. Anything unmapped
// is an internal error and gets logged rather than leaked.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	var quotaErr *registry.QuotaExceededError
	var rateErr *queue.RateLimitError
	var dupErr *liveness.DuplicateDelegateError

	switch {
	case errors.As(err, &quotaErr):
		g.sendJSONError(w, http.StatusForbidden, quotaErr.Error())
	case errors.As(err, &rateErr):
		g.sendJSONError(w, http.StatusTooManyRequests, rateErr.Error())
	case errors.As(err, &dupErr):
		g.sendJSONError(w, http.StatusConflict, dupErr.Error())
	case errors.Is(err, registry.ErrNotAwaitingApproval):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrUnknownAction):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNoDelegatesInstalled),
		errors.Is(err, lifecycle.ErrNoDelegatesAvailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
