package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/internal/workflow"
	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger *zap.Logger
	deps   Dependencies
	cfg    Config
}

// session is the authenticated caller resolved from the tauth claims.
type session struct {
	userID      ledger.UserID
	accountType ledger.AccountType
}

func (handler *httpHandler) requireSession(ctx *gin.Context) (session, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return session{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return session{}, false
	}
	accountType := ledger.AccountTypeFree
	for _, role := range claims.GetUserRoles() {
		if strings.EqualFold(strings.TrimSpace(role), handler.cfg.PaidRole) {
			accountType = ledger.AccountTypePaid
			break
		}
	}
	return session{userID: userID, accountType: accountType}, true
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	caller, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := contextWithTimeout(ctx, handler.cfg.RequestTimeout)
	defer cancel()

	profile, err := handler.deps.Credits.EnsureProfile(requestCtx, caller.userID, caller.accountType)
	if err != nil {
		handler.logger.Error("profile lookup failed", zap.String("user_id", caller.userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "credits unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_type":     profile.AccountType.String(),
		"balance":          newBalancePayload(profile.Balance),
		"created_unix_utc": profile.CreatedAt.Unix(),
		"updated_unix_utc": profile.UpdatedAt.Unix(),
	})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	caller, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	cursor, limit, err := parsePage(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", err.Error()))
		return
	}
	requestCtx, cancel := contextWithTimeout(ctx, handler.cfg.RequestTimeout)
	defer cancel()

	entries, err := handler.deps.Credits.ListEntries(requestCtx, caller.userID, cursor, limit)
	if err != nil {
		handler.logger.Error("ledger list failed", zap.String("user_id", caller.userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "ledger unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	nextCursor := ""
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
		nextCursor = ledger.CursorAfter(entry.CreatedAt, entry.EntryID.String()).Encode()
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload, "next_cursor": nextCursor})
}

func (handler *httpHandler) handleWorkflow(ctx *gin.Context) {
	caller, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	workflowName, err := ledger.ParseWorkflow(ctx.Param("workflow"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_workflow", err.Error()))
		return
	}
	if !handler.allowWorkflow(ctx, caller) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", fmt.Sprintf("body exceeds %d bytes", maxBytesErr.Limit)))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}

	requestCtx, cancel := contextWithTimeout(ctx, handler.cfg.WorkflowTimeout)
	defer cancel()

	result, err := handler.deps.Workflows.Run(requestCtx, caller.userID, caller.accountType, workflowName, body)
	if err != nil {
		handler.respondWorkflowError(ctx, caller, workflowName, err)
		return
	}
	images := make([]imagePayload, 0, len(result.Images))
	for _, image := range result.Images {
		images = append(images, imagePayload{MIMEType: image.MIMEType, Data: image.Data})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"generation": newGenerationPayload(result.Generation),
		"balance":    newBalancePayload(result.Balance),
		"images":     images,
		"text":       result.Text,
	})
}

func (handler *httpHandler) allowWorkflow(ctx *gin.Context, caller session) bool {
	if handler.deps.Limiter == nil {
		return true
	}
	decision, err := handler.deps.Limiter.Allow(ctx.Request.Context(), caller.userID.String())
	if err != nil {
		handler.logger.Error("rate limiter unavailable", zap.String("user_id", caller.userID.String()), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("rate_limiter_unavailable", "try again later"))
		return false
	}
	ctx.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if !decision.Allowed {
		retryAfter := int64(time.Until(decision.ResetAt).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		ctx.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		ctx.JSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many workflow runs"))
		return false
	}
	return true
}

func (handler *httpHandler) respondWorkflowError(ctx *gin.Context, caller session, workflowName ledger.Workflow, err error) {
	var exhausted workflow.CreditsExhaustedError
	var failed workflow.GenerationFailedError
	switch {
	case errors.Is(err, workflow.ErrInvalidPayload):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
	case errors.Is(err, ledger.ErrInvalidWorkflow):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_workflow", err.Error()))
	case errors.Is(err, workflow.ErrWorkflowUnavailable):
		ctx.JSON(http.StatusNotImplemented, errorResponse("workflow_unavailable", fmt.Sprintf("%s is not available", workflowName)))
	case errors.As(err, &exhausted):
		response := errorResponse("credits_exhausted", fmt.Sprintf("no %s credits left", workflowName.Counter()))
		response["balance"] = newBalancePayload(exhausted.Balance)
		ctx.JSON(http.StatusPaymentRequired, response)
	case errors.As(err, &failed):
		if failed.RefundErr != nil || failed.RecordErr != nil {
			handler.logger.Error("generation cleanup failed",
				zap.String("user_id", caller.userID.String()),
				zap.String("generation_id", failed.Generation.ID.String()),
				zap.Error(err),
			)
		}
		response := errorResponse("generation_failed", failed.Failure.Code.String())
		response["generation"] = newGenerationPayload(failed.Generation)
		if failed.RefundErr == nil {
			response["balance"] = newBalancePayload(failed.Balance)
		}
		response["refunded"] = failed.RefundErr == nil
		ctx.JSON(http.StatusBadGateway, response)
	default:
		handler.logger.Error("workflow run failed",
			zap.String("user_id", caller.userID.String()),
			zap.String("workflow", workflowName.String()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "workflow failed"))
	}
}

func (handler *httpHandler) handleListGenerations(ctx *gin.Context) {
	caller, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	cursor, limit, err := parsePage(ctx)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", err.Error()))
		return
	}
	requestCtx, cancel := contextWithTimeout(ctx, handler.cfg.RequestTimeout)
	defer cancel()

	records, err := handler.deps.Generations.List(requestCtx, caller.userID, cursor, limit)
	if err != nil {
		handler.logger.Error("generation list failed", zap.String("user_id", caller.userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "generations unavailable"))
		return
	}
	payload := make([]generationPayload, 0, len(records))
	nextCursor := ""
	for _, record := range records {
		payload = append(payload, newGenerationPayload(record))
		nextCursor = ledger.CursorAfter(record.CreatedAt, record.ID.String()).Encode()
	}
	ctx.JSON(http.StatusOK, gin.H{"generations": payload, "next_cursor": nextCursor})
}

func (handler *httpHandler) handleGetGeneration(ctx *gin.Context) {
	caller, ok := handler.requireSession(ctx)
	if !ok {
		return
	}
	generationID, err := ledger.NewGenerationID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_generation_id", err.Error()))
		return
	}
	requestCtx, cancel := contextWithTimeout(ctx, handler.cfg.RequestTimeout)
	defer cancel()

	record, err := handler.deps.Generations.Get(requestCtx, caller.userID, generationID)
	if err != nil {
		if errors.Is(err, generation.ErrUnknownGeneration) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "generation not found"))
			return
		}
		handler.logger.Error("generation fetch failed", zap.String("generation_id", generationID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "generation unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"generation": newGenerationPayload(record)})
}

// parsePage reads the opaque cursor returned as next_cursor by a previous page.
func parsePage(ctx *gin.Context) (ledger.PageCursor, int, error) {
	cursor, err := ledger.ParsePageCursor(ctx.Query("cursor"))
	if err != nil {
		return ledger.PageCursor{}, 0, fmt.Errorf("cursor must be a next_cursor value from a previous page")
	}
	limit := 0
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return ledger.PageCursor{}, 0, fmt.Errorf("limit must be a non-negative integer")
		}
		limit = parsed
	}
	return cursor, limit, nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	ProductShoots int64 `json:"product_shoots"`
	AdGraphics    int64 `json:"ad_graphics"`
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{ProductShoots: balance.ProductShoots, AdGraphics: balance.AdGraphics}
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Workflow       string `json:"workflow"`
	Delta          int64  `json:"delta"`
	Reason         string `json:"reason"`
	GenerationID   string `json:"generation_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func newEntryPayload(entry ledger.LedgerEntry) entryPayload {
	payload := entryPayload{
		EntryID:        entry.EntryID.String(),
		Workflow:       entry.Workflow.String(),
		Delta:          entry.Delta,
		Reason:         entry.Reason.String(),
		CreatedUnixUTC: entry.CreatedAt.Unix(),
	}
	if entry.GenerationID != nil {
		payload.GenerationID = entry.GenerationID.String()
	}
	return payload
}

type generationPayload struct {
	GenerationID      string          `json:"generation_id"`
	Workflow          string          `json:"workflow"`
	Status            string          `json:"status"`
	Input             json.RawMessage `json:"input"`
	Output            json.RawMessage `json:"output"`
	ProviderRequestID string          `json:"provider_request_id,omitempty"`
	ProviderModel     string          `json:"provider_model,omitempty"`
	AssetKey          string          `json:"asset_key,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedUnixUTC    int64           `json:"created_unix_utc"`
	UpdatedUnixUTC    int64           `json:"updated_unix_utc"`
}

func newGenerationPayload(record generation.Generation) generationPayload {
	return generationPayload{
		GenerationID:      record.ID.String(),
		Workflow:          record.Workflow.String(),
		Status:            record.Status.String(),
		Input:             jsonOrEmpty(record.InputJSON),
		Output:            jsonOrEmpty(record.OutputJSON),
		ProviderRequestID: record.ProviderRequestID,
		ProviderModel:     record.ProviderModel,
		AssetKey:          record.AssetKey,
		ErrorCode:         record.ErrorCode,
		ErrorMessage:      record.ErrorMessage,
		CreatedUnixUTC:    record.CreatedAt.Unix(),
		UpdatedUnixUTC:    record.UpdatedAt.Unix(),
	}
}

type imagePayload struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func contextWithTimeout(ctx *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), timeout)
}
