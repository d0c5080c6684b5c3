package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/addreams/internal/workflow"
	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

var ErrMissingDependency = errors.New("missing http api dependency")

var _ RateLimiter = (*ratelimit.FixedWindowLimiter)(nil)

// CreditService is the ledger surface exposed over HTTP.
type CreditService interface {
	EnsureProfile(ctx context.Context, userID ledger.UserID, accountType ledger.AccountType) (ledger.Profile, error)
	ListEntries(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]ledger.LedgerEntry, error)
}

// GenerationReader lists and fetches generation records.
type GenerationReader interface {
	Get(ctx context.Context, userID ledger.UserID, id ledger.GenerationID) (generation.Generation, error)
	List(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]generation.Generation, error)
}

// WorkflowRunner executes paid workflows.
type WorkflowRunner interface {
	Run(ctx context.Context, userID ledger.UserID, accountType ledger.AccountType, workflowName ledger.Workflow, body []byte) (workflow.Result, error)
}

// RateLimiter throttles workflow runs per user.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Dependencies wires the domain services behind the API. Limiter is optional.
type Dependencies struct {
	Credits     CreditService
	Generations GenerationReader
	Workflows   WorkflowRunner
	Limiter     RateLimiter
	Logger      *zap.Logger
}

func (deps Dependencies) validate() error {
	if deps.Credits == nil {
		return fmt.Errorf("%w: credits", ErrMissingDependency)
	}
	if deps.Generations == nil {
		return fmt.Errorf("%w: generations", ErrMissingDependency)
	}
	if deps.Workflows == nil {
		return fmt.Errorf("%w: workflows", ErrMissingDependency)
	}
	return nil
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := deps.validate(); err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger: logger,
		deps:   deps,
		cfg:    cfg,
	}
	router := setupRouter(cfg, handler, sessionValidator.GinMiddleware(claimsContextKey))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("addreams api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, authMiddleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware)

	api.GET("/credits", handler.handleCredits)
	api.GET("/credits/ledger", handler.handleLedger)
	api.POST("/workflows/:workflow", handler.handleWorkflow)
	api.GET("/generations", handler.handleListGenerations)
	api.GET("/generations/:id", handler.handleGetGeneration)

	return router
}
