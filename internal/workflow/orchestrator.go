package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreditLedger is the subset of ledger.Service used by the orchestrator.
type CreditLedger interface {
	EnsureProfile(ctx context.Context, userID ledger.UserID, accountType ledger.AccountType) (ledger.Profile, error)
	Reserve(ctx context.Context, userID ledger.UserID, workflow ledger.Workflow, generationID *ledger.GenerationID) (ledger.ReserveResult, error)
	Refund(ctx context.Context, userID ledger.UserID, workflow ledger.Workflow, generationID *ledger.GenerationID) (ledger.Balance, error)
}

// GenerationRecorder is the subset of generation.Recorder used by the orchestrator.
type GenerationRecorder interface {
	Start(ctx context.Context, id ledger.GenerationID, userID ledger.UserID, workflow ledger.Workflow, inputJSON json.RawMessage) (generation.Generation, error)
	Succeed(ctx context.Context, id ledger.GenerationID, outcome generation.Outcome) (generation.Generation, error)
	Fail(ctx context.Context, id ledger.GenerationID, failure generation.Failure) (generation.Generation, error)
}

// Result is a completed generation.
type Result struct {
	Generation generation.Generation
	Balance    ledger.Balance
	Images     []Image
	Text       string
}

// Orchestrator runs a paid workflow: reserve a credit, call the provider,
// record the outcome, and refund the credit when the provider fails.
type Orchestrator struct {
	credits  CreditLedger
	recorder GenerationRecorder
	provider Provider
	logger   *zap.Logger
	newID    func() string
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.logger = logger
		}
	}
}

// WithIDGenerator overrides generation id creation.
func WithIDGenerator(newID func() string) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if newID != nil {
			orchestrator.newID = newID
		}
	}
}

// NewOrchestrator validates dependencies.
func NewOrchestrator(credits CreditLedger, recorder GenerationRecorder, provider Provider, options ...OrchestratorOption) (*Orchestrator, error) {
	if credits == nil {
		return nil, fmt.Errorf("%w: credit ledger is nil", ErrInvalidOrchestratorConfig)
	}
	if recorder == nil {
		return nil, fmt.Errorf("%w: generation recorder is nil", ErrInvalidOrchestratorConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is nil", ErrInvalidOrchestratorConfig)
	}
	orchestrator := &Orchestrator{
		credits:  credits,
		recorder: recorder,
		provider: provider,
		logger:   zap.NewNop(),
		newID:    uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Run executes workflow for userID. Declined reservations return
// CreditsExhaustedError; provider failures return GenerationFailedError after
// the credit has been refunded.
func (orchestrator *Orchestrator) Run(ctx context.Context, userID ledger.UserID, accountType ledger.AccountType, workflow ledger.Workflow, body []byte) (Result, error) {
	payload, err := ParsePayload(workflow, body)
	if err != nil {
		return Result{}, err
	}
	if !orchestrator.provider.Supports(workflow) {
		return Result{}, fmt.Errorf("%w: %s", ErrWorkflowUnavailable, workflow)
	}
	inputJSON, err := payload.InputJSON()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := orchestrator.credits.EnsureProfile(ctx, userID, accountType); err != nil {
		return Result{}, err
	}
	generationID, err := ledger.NewGenerationID(orchestrator.newID())
	if err != nil {
		return Result{}, err
	}

	reservation, err := orchestrator.credits.Reserve(ctx, userID, workflow, &generationID)
	if err != nil {
		return Result{}, err
	}
	if !reservation.Success {
		return Result{}, CreditsExhaustedError{Workflow: workflow, Balance: reservation.Balance}
	}

	record, err := orchestrator.recorder.Start(ctx, generationID, userID, workflow, inputJSON)
	if err != nil {
		if _, refundErr := orchestrator.credits.Refund(context.WithoutCancel(ctx), userID, workflow, &generationID); refundErr != nil {
			orchestrator.logRefundFailure(userID, workflow, generationID, refundErr)
			return Result{}, errors.Join(err, refundErr)
		}
		return Result{}, err
	}

	response, providerErr := orchestrator.provider.Generate(ctx, Request{GenerationID: generationID, Workflow: workflow, Payload: payload})
	if providerErr == nil && len(response.Images) == 0 {
		providerErr = ProviderFailure{Code: FailureEmptyOutput, Message: "provider returned no images", RequestID: response.RequestID, Model: response.Model}
	}
	if providerErr != nil {
		return Result{}, orchestrator.fail(ctx, record, ClassifyProviderError(providerErr))
	}

	outputJSON, err := response.OutputJSON()
	if err != nil {
		return Result{}, orchestrator.fail(ctx, record, ProviderFailure{Code: FailureRecordError, Message: err.Error(), RequestID: response.RequestID, Model: response.Model, Cause: err})
	}
	succeeded, err := orchestrator.recorder.Succeed(ctx, generationID, generation.Outcome{
		ProviderRequestID: response.RequestID,
		ProviderModel:     response.Model,
		OutputJSON:        outputJSON,
	})
	if err != nil {
		orchestrator.logger.Error("generation success not recorded",
			zap.String("user_id", userID.String()),
			zap.String("generation_id", generationID.String()),
			zap.Error(err),
		)
		return Result{}, err
	}
	return Result{
		Generation: succeeded,
		Balance:    reservation.Balance,
		Images:     response.Images,
		Text:       strings.TrimSpace(response.Text),
	}, nil
}

// fail refunds the reserved credit exactly once and closes the generation as failed.
func (orchestrator *Orchestrator) fail(ctx context.Context, record generation.Generation, failure ProviderFailure) error {
	cleanupContext := context.WithoutCancel(ctx)
	balance, refundErr := orchestrator.credits.Refund(cleanupContext, record.UserID, record.Workflow, &record.ID)
	if refundErr != nil {
		orchestrator.logRefundFailure(record.UserID, record.Workflow, record.ID, refundErr)
	}
	failed, failErr := orchestrator.recorder.Fail(cleanupContext, record.ID, generation.Failure{
		Code:              failure.Code.String(),
		Message:           failure.Message,
		ProviderRequestID: failure.RequestID,
		ProviderModel:     failure.Model,
	})
	if failErr != nil {
		orchestrator.logger.Error("generation failure not recorded",
			zap.String("generation_id", record.ID.String()),
			zap.String("failure_code", failure.Code.String()),
			zap.Error(failErr),
		)
		failed = record
	}
	orchestrator.logger.Warn("generation failed",
		zap.String("user_id", record.UserID.String()),
		zap.String("workflow", record.Workflow.String()),
		zap.String("generation_id", record.ID.String()),
		zap.String("failure_code", failure.Code.String()),
		zap.Bool("refunded", refundErr == nil),
	)
	return GenerationFailedError{Generation: failed, Balance: balance, Failure: failure, RefundErr: refundErr, RecordErr: failErr}
}

func (orchestrator *Orchestrator) logRefundFailure(userID ledger.UserID, workflow ledger.Workflow, generationID ledger.GenerationID, err error) {
	orchestrator.logger.Error("credit refund failed",
		zap.String("user_id", userID.String()),
		zap.String("workflow", workflow.String()),
		zap.String("generation_id", generationID.String()),
		zap.Error(err),
	)
}
