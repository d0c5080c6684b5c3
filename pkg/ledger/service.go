package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the credit reservation protocol over a Store.
type Service struct {
	store              Store
	nowFn              func() time.Time
	grants             PlanGrants
	defaultAccountType AccountType
	logger             OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:              store,
		nowFn:              now,
		grants:             DefaultPlanGrants(),
		defaultAccountType: AccountTypeFree,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.grants.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	if _, err := ParseAccountType(service.defaultAccountType.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	return service, nil
}

// PlanGrants returns the grants applied to newly created profiles.
func (service *Service) PlanGrants() PlanGrants {
	return service.grants
}

// EnsureProfile returns the user's profile, creating it with the plan grants of
// accountType when it does not exist yet.
func (service *Service) EnsureProfile(ctx context.Context, userID UserID, accountType AccountType) (Profile, error) {
	profile, created, err := service.ensureProfile(ctx, userID, accountType)
	if created || err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:   operationEnsureProfile,
			UserID:      userID,
			AccountType: accountType,
			Balance:     profile.Balance,
			Error:       err,
		})
	}
	return profile, err
}

// Balance returns both counters, creating the profile with the default plan if needed.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	profile, err := service.EnsureProfile(ctx, userID, service.defaultAccountType)
	if err != nil {
		return Balance{}, err
	}
	return profile.Balance, nil
}

// Reserve debits one credit from the workflow's counter. A zero balance is not an
// error: the result reports Success=false with the current balance and no ledger
// entry is written.
func (service *Service) Reserve(ctx context.Context, userID UserID, workflow Workflow, generationID *GenerationID) (ReserveResult, error) {
	result, operationError := service.reserve(ctx, userID, workflow, generationID)
	status := ""
	if operationError == nil && !result.Success {
		status = operationStatusDeclined
	}
	service.logOperation(ctx, OperationLog{
		Operation:    operationReserve,
		UserID:       userID,
		Workflow:     workflow,
		GenerationID: generationID,
		Balance:      result.Balance,
		Status:       status,
		Error:        operationError,
	})
	return result, operationError
}

// Refund credits one unit back to the workflow's counter. When a generation id is
// supplied the refund must follow a debit for that generation and may happen once.
func (service *Service) Refund(ctx context.Context, userID UserID, workflow Workflow, generationID *GenerationID) (Balance, error) {
	balance, operationError := service.refund(ctx, userID, workflow, generationID)
	service.logOperation(ctx, OperationLog{
		Operation:    operationRefund,
		UserID:       userID,
		Workflow:     workflow,
		GenerationID: generationID,
		Balance:      balance,
		Error:        operationError,
	})
	return balance, operationError
}

func (service *Service) reserve(ctx context.Context, userID UserID, workflow Workflow, generationID *GenerationID) (ReserveResult, error) {
	if _, err := ParseWorkflow(workflow.String()); err != nil {
		return ReserveResult{}, err
	}
	if _, _, err := service.ensureProfile(ctx, userID, service.defaultAccountType); err != nil {
		return ReserveResult{}, err
	}
	var result ReserveResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUTC := service.nowFn().UTC()
		balance, decremented, err := transactionStore.DecrementCredit(ctx, userID, workflow.Counter(), nowUTC)
		if err != nil {
			return err
		}
		if !decremented {
			result = ReserveResult{Success: false}
			return nil
		}
		entryInput, err := NewEntryInput(userID, workflow, ReasonGenerationDebit, generationID, nowUTC)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertLedgerEntry(ctx, entryInput); err != nil {
			return err
		}
		result = ReserveResult{Success: true, Balance: balance}
		return nil
	})
	if operationError != nil {
		return ReserveResult{}, operationError
	}
	if !result.Success {
		profile, err := service.store.GetProfile(ctx, userID)
		if err != nil {
			return ReserveResult{}, err
		}
		result.Balance = profile.Balance
	}
	return result, nil
}

func (service *Service) refund(ctx context.Context, userID UserID, workflow Workflow, generationID *GenerationID) (Balance, error) {
	if _, err := ParseWorkflow(workflow.String()); err != nil {
		return Balance{}, err
	}
	if _, _, err := service.ensureProfile(ctx, userID, service.defaultAccountType); err != nil {
		return Balance{}, err
	}
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if generationID != nil {
			if err := verifyRefundable(ctx, transactionStore, userID, workflow, *generationID); err != nil {
				return err
			}
		}
		nowUTC := service.nowFn().UTC()
		updated, err := transactionStore.IncrementCredit(ctx, userID, workflow.Counter(), nowUTC)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(userID, workflow, ReasonGenerationRefund, generationID, nowUTC)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertLedgerEntry(ctx, entryInput); err != nil {
			if errors.Is(err, ErrDuplicateLedgerEntry) {
				return WrapError(errorOperationService, errorSubjectRefund, errorCodeDuplicate, ErrDuplicateRefund)
			}
			return err
		}
		balance = updated
		return nil
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

func verifyRefundable(ctx context.Context, transactionStore Store, userID UserID, workflow Workflow, generationID GenerationID) error {
	debit, found, err := transactionStore.FindGenerationEntry(ctx, generationID, ReasonGenerationDebit)
	if err != nil {
		return err
	}
	if !found {
		return WrapError(errorOperationService, errorSubjectRefund, errorCodeMissingDebit, ErrRefundWithoutDebit)
	}
	if debit.UserID != userID || debit.Workflow.Counter() != workflow.Counter() {
		return WrapError(errorOperationService, errorSubjectRefund, errorCodeDebitMismatch, ErrRefundWithoutDebit)
	}
	_, refunded, err := transactionStore.FindGenerationEntry(ctx, generationID, ReasonGenerationRefund)
	if err != nil {
		return err
	}
	if refunded {
		return WrapError(errorOperationService, errorSubjectRefund, errorCodeDuplicate, ErrDuplicateRefund)
	}
	return nil
}

// ensureProfile runs outside any transaction: a uniqueness violation inside a
// Postgres transaction would abort it.
func (service *Service) ensureProfile(ctx context.Context, userID UserID, accountType AccountType) (Profile, bool, error) {
	if userID.String() == "" {
		return Profile{}, false, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	profile, err := service.store.GetProfile(ctx, userID)
	if err == nil {
		return profile, false, nil
	}
	if !errors.Is(err, ErrUnknownProfile) {
		return Profile{}, false, err
	}
	profileInput, err := NewProfileInput(userID, accountType, service.grants.For(accountType), service.nowFn())
	if err != nil {
		return Profile{}, false, err
	}
	created, err := service.store.InsertProfile(ctx, profileInput)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrProfileExists) {
		return Profile{}, false, err
	}
	profile, err = service.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrUnknownProfile) {
		return Profile{}, false, WrapError(errorOperationService, errorSubjectProfile, errorCodeCreateFailed, ErrProfileCreationFailed)
	}
	if err != nil {
		return Profile{}, false, err
	}
	return profile, false, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
