package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/internal/httpapi"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "ADDREAMS"

	flagDatabaseURL        = "database-url"
	flagStore              = "store"
	flagFreeGrant          = "free-grant"
	flagPaidGrant          = "paid-grant"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagPaidRole           = "paid-role"
	flagGeminiAPIKey       = "gemini-api-key"
	flagGeminiModel        = "gemini-model"
	flagGeminiBaseURL      = "gemini-base-url"
	flagRedisURL           = "redis-url"
	flagWorkflowRateLimit  = "workflow-rate-limit"
	flagWorkflowRateWindow = "workflow-rate-window"
	flagWorkflowTimeout    = "workflow-timeout"
	flagUserID             = "user-id"
	flagLimit              = "limit"

	storeGorm = "gorm"
	storePgx  = "pgx"

	defaultDatabaseURL = "sqlite://addreams.db"
	defaultFreeGrant   = "1/1"
	defaultPaidGrant   = "10/10"
)

// storeConfig is shared by every subcommand.
type storeConfig struct {
	DatabaseURL string
	Store       string
	Grants      ledger.PlanGrants
}

// serveConfig holds the settings of the serve command.
type serveConfig struct {
	Store              storeConfig
	HTTP               httpapi.Config
	GeminiAPIKey       string
	GeminiModel        string
	GeminiBaseURL      string
	RedisURL           string
	WorkflowRateLimit  int64
	WorkflowRateWindow time.Duration
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	return v, bindErr
}

func loadStoreConfig(v *viper.Viper) (storeConfig, error) {
	cfg := storeConfig{
		DatabaseURL: strings.TrimSpace(v.GetString(flagDatabaseURL)),
		Store:       strings.ToLower(strings.TrimSpace(v.GetString(flagStore))),
	}
	if cfg.DatabaseURL == "" {
		return storeConfig{}, fmt.Errorf("%s is required", flagDatabaseURL)
	}
	switch cfg.Store {
	case storeGorm, storePgx:
	default:
		return storeConfig{}, fmt.Errorf("%s must be %q or %q", flagStore, storeGorm, storePgx)
	}
	freeGrant, err := ledger.ParseGrant(v.GetString(flagFreeGrant))
	if err != nil {
		return storeConfig{}, fmt.Errorf("%s: %w", flagFreeGrant, err)
	}
	paidGrant, err := ledger.ParseGrant(v.GetString(flagPaidGrant))
	if err != nil {
		return storeConfig{}, fmt.Errorf("%s: %w", flagPaidGrant, err)
	}
	cfg.Grants = ledger.PlanGrants{Free: freeGrant, Paid: paidGrant}
	return cfg, cfg.Grants.Validate()
}

func loadServeConfig(cmd *cobra.Command) (serveConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return serveConfig{}, err
	}
	storeCfg, err := loadStoreConfig(v)
	if err != nil {
		return serveConfig{}, err
	}
	for _, required := range []string{flagJWTSigningKey, flagGeminiAPIKey} {
		if strings.TrimSpace(v.GetString(required)) == "" {
			return serveConfig{}, fmt.Errorf("%s is required", required)
		}
	}
	cfg := serveConfig{
		Store: storeCfg,
		HTTP: httpapi.Config{
			ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
			AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
			SessionSigningKey: v.GetString(flagJWTSigningKey),
			SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
			SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
			PaidRole:          strings.TrimSpace(v.GetString(flagPaidRole)),
			WorkflowTimeout:   v.GetDuration(flagWorkflowTimeout),
		},
		GeminiAPIKey:       strings.TrimSpace(v.GetString(flagGeminiAPIKey)),
		GeminiModel:        strings.TrimSpace(v.GetString(flagGeminiModel)),
		GeminiBaseURL:      strings.TrimSpace(v.GetString(flagGeminiBaseURL)),
		RedisURL:           strings.TrimSpace(v.GetString(flagRedisURL)),
		WorkflowRateLimit:  v.GetInt64(flagWorkflowRateLimit),
		WorkflowRateWindow: v.GetDuration(flagWorkflowRateWindow),
	}
	if cfg.RedisURL != "" && (cfg.WorkflowRateLimit <= 0 || cfg.WorkflowRateWindow <= 0) {
		return serveConfig{}, fmt.Errorf("%s and %s must be positive when %s is set", flagWorkflowRateLimit, flagWorkflowRateWindow, flagRedisURL)
	}
	return cfg, cfg.HTTP.Validate()
}

func requireUserID(v *viper.Viper) (ledger.UserID, error) {
	userID, err := ledger.NewUserID(v.GetString(flagUserID))
	if err != nil {
		return ledger.UserID{}, fmt.Errorf("%s: %w", flagUserID, err)
	}
	return userID, nil
}
