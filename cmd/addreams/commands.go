package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/internal/httpapi"
	"github.com/MarkoPoloResearchLab/addreams/internal/provider/gemini"
	"github.com/MarkoPoloResearchLab/addreams/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/addreams/internal/workflow"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errLedgerDrift = errors.New("ledger does not reconcile")

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "addreams",
		Short:         "Credit ledger and generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database url (postgres://... or sqlite://path)")
	cmd.PersistentFlags().String(flagStore, storeGorm, "store implementation: gorm or pgx")
	cmd.PersistentFlags().String(flagFreeGrant, defaultFreeGrant, "credits granted to new free profiles (product_shoots/ad_graphics)")
	cmd.PersistentFlags().String(flagPaidGrant, defaultPaidGrant, "credits granted to new paid profiles (product_shoots/ad_graphics)")

	cmd.AddCommand(newServeCommand(), newMigrateCommand(), newBalanceCommand(), newLedgerCommand(), newReconcileCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().String(flagPaidRole, "paid", "session role that selects the paid plan")
	cmd.Flags().String(flagGeminiAPIKey, "", "Gemini API key (required)")
	cmd.Flags().String(flagGeminiModel, gemini.DefaultModel, "Gemini image model")
	cmd.Flags().String(flagGeminiBaseURL, "", "override the Gemini API endpoint")
	cmd.Flags().String(flagRedisURL, "", "redis url for workflow rate limiting; empty disables limiting")
	cmd.Flags().Int64(flagWorkflowRateLimit, 10, "workflow runs allowed per user and window")
	cmd.Flags().Duration(flagWorkflowRateWindow, time.Minute, "workflow rate limit window")
	cmd.Flags().Duration(flagWorkflowTimeout, 2*time.Minute, "upper bound for a single workflow run")
	return cmd
}

func runServe(ctx context.Context, cfg serveConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	services, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer services.close()
	if err := services.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	providerOptions := []gemini.Option{gemini.WithModel(cfg.GeminiModel)}
	if cfg.GeminiBaseURL != "" {
		providerOptions = append(providerOptions, gemini.WithBaseURL(cfg.GeminiBaseURL))
	}
	provider, err := gemini.New(ctx, cfg.GeminiAPIKey, providerOptions...)
	if err != nil {
		return err
	}
	orchestrator, err := workflow.NewOrchestrator(services.service, services.recorder, provider, workflow.WithLogger(logger))
	if err != nil {
		return err
	}

	deps := httpapi.Dependencies{
		Credits:     services.service,
		Generations: services.recorder,
		Workflows:   orchestrator,
		Logger:      logger,
	}
	if cfg.RedisURL != "" {
		limiter, redisClient, err := ratelimit.New(ratelimit.Config{
			RedisURL: cfg.RedisURL,
			Prefix:   "addreams:workflows",
			Limit:    cfg.WorkflowRateLimit,
			Window:   cfg.WorkflowRateWindow,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
		deps.Limiter = limiter
	}
	return httpapi.Run(ctx, cfg.HTTP, deps)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, services *backend) error {
				if err := services.store.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return err
			})
		},
	}
}

func newBalanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a user's credit balance, creating the profile if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, services *backend) error {
				v, err := newViper(cmd)
				if err != nil {
					return err
				}
				userID, err := requireUserID(v)
				if err != nil {
					return err
				}
				balance, err := services.service.Balance(ctx, userID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"user_id":        userID.String(),
					"product_shoots": balance.ProductShoots,
					"ad_graphics":    balance.AdGraphics,
				})
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "user id (required)")
	return cmd
}

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List a user's most recent ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, services *backend) error {
				v, err := newViper(cmd)
				if err != nil {
					return err
				}
				userID, err := requireUserID(v)
				if err != nil {
					return err
				}
				entries, err := services.service.ListEntries(ctx, userID, ledger.PageCursor{}, v.GetInt(flagLimit))
				if err != nil {
					return err
				}
				rows := make([]map[string]any, 0, len(entries))
				for _, entry := range entries {
					row := map[string]any{
						"entry_id":   entry.EntryID.String(),
						"workflow":   entry.Workflow.String(),
						"delta":      entry.Delta,
						"reason":     entry.Reason.String(),
						"created_at": entry.CreatedAt.Format(time.RFC3339),
					}
					if entry.GenerationID != nil {
						row["generation_id"] = entry.GenerationID.String()
					}
					rows = append(rows, row)
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "user id (required)")
	cmd.Flags().Int(flagLimit, 50, "maximum number of entries")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare a user's counters with the ledger history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, services *backend) error {
				v, err := newViper(cmd)
				if err != nil {
					return err
				}
				userID, err := requireUserID(v)
				if err != nil {
					return err
				}
				reconciliation, err := services.service.Reconcile(ctx, userID)
				if err != nil {
					return err
				}
				counters := make([]map[string]any, 0, len(reconciliation.Counters))
				for _, counter := range reconciliation.Counters {
					counters = append(counters, map[string]any{
						"counter":    counter.Counter.String(),
						"granted":    counter.Granted,
						"ledger_sum": counter.LedgerSum,
						"current":    counter.Current,
						"drift":      counter.Drift(),
					})
				}
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{
					"user_id":    userID.String(),
					"consistent": reconciliation.Consistent(),
					"counters":   counters,
				}); err != nil {
					return err
				}
				if !reconciliation.Consistent() {
					return fmt.Errorf("%w for %s", errLedgerDrift, userID)
				}
				return nil
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "user id (required)")
	return cmd
}

func withBackend(cmd *cobra.Command, fn func(ctx context.Context, services *backend) error) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadStoreConfig(v)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	services, err := openBackend(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer services.close()
	if services.embedded {
		if err := services.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return fn(ctx, services)
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
