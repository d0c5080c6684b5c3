package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
)

var (
	ErrInvalidPayload            = errors.New("invalid workflow payload")
	ErrWorkflowUnavailable       = errors.New("workflow unavailable")
	ErrCreditsExhausted          = errors.New("credits exhausted")
	ErrGenerationFailed          = errors.New("generation failed")
	ErrInvalidOrchestratorConfig = errors.New("invalid orchestrator config")
)

// FailureCode classifies a provider failure.
type FailureCode string

const (
	FailureInvalidRequest      FailureCode = "invalid_request"
	FailureContentBlocked      FailureCode = "content_blocked"
	FailureRateLimited         FailureCode = "rate_limited"
	FailureQuotaExceeded       FailureCode = "quota_exceeded"
	FailureProviderUnavailable FailureCode = "provider_unavailable"
	FailureTimeout             FailureCode = "timeout"
	FailureEmptyOutput         FailureCode = "empty_output"
	FailureUnsupportedWorkflow FailureCode = "unsupported_workflow"
	FailureProviderError       FailureCode = "provider_error"
	FailureRecordError         FailureCode = "record_error"
)

// String returns the code value.
func (code FailureCode) String() string {
	return string(code)
}

// ProviderFailure is a classified provider error. Providers return it directly
// when they know the category; ClassifyProviderError derives it otherwise.
type ProviderFailure struct {
	Code      FailureCode
	Message   string
	RequestID string
	Model     string
	Cause     error
}

// Error returns the formatted failure.
func (failure ProviderFailure) Error() string {
	if failure.Message == "" {
		return fmt.Sprintf("provider.%s", failure.Code)
	}
	return fmt.Sprintf("provider.%s: %s", failure.Code, failure.Message)
}

// Unwrap returns the underlying cause.
func (failure ProviderFailure) Unwrap() error {
	return failure.Cause
}

// ClassifyProviderError maps any provider error onto the failure taxonomy.
func ClassifyProviderError(err error) ProviderFailure {
	if err == nil {
		return ProviderFailure{Code: FailureProviderError, Message: "provider returned no error and no output"}
	}
	var failure ProviderFailure
	if errors.As(err, &failure) {
		if failure.Code == "" {
			failure.Code = FailureProviderError
		}
		if failure.Message == "" && failure.Cause != nil {
			failure.Message = failure.Cause.Error()
		}
		return failure
	}
	var failurePointer *ProviderFailure
	if errors.As(err, &failurePointer) && failurePointer != nil {
		return ClassifyProviderError(*failurePointer)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ProviderFailure{Code: FailureTimeout, Message: err.Error(), Cause: err}
	case errors.Is(err, context.Canceled):
		return ProviderFailure{Code: FailureProviderUnavailable, Message: err.Error(), Cause: err}
	default:
		return ProviderFailure{Code: FailureProviderError, Message: err.Error(), Cause: err}
	}
}

// CreditsExhaustedError reports a declined reservation with the balance observed at the time.
type CreditsExhaustedError struct {
	Workflow ledger.Workflow
	Balance  ledger.Balance
}

// Error returns the formatted message.
func (exhausted CreditsExhaustedError) Error() string {
	return fmt.Sprintf("%v: no %s credits left", ErrCreditsExhausted, exhausted.Workflow.Counter())
}

// Unwrap returns ErrCreditsExhausted.
func (exhausted CreditsExhaustedError) Unwrap() error {
	return ErrCreditsExhausted
}

// GenerationFailedError reports a generation closed as failed. The credit was
// refunded unless RefundErr is set; RecordErr is set when the failed status
// could not be stored.
type GenerationFailedError struct {
	Generation generation.Generation
	// Balance is the post-refund balance; it is unset when RefundErr is not nil.
	Balance    ledger.Balance
	Failure    ProviderFailure
	RefundErr  error
	RecordErr  error
}

// Error returns the formatted message.
func (failed GenerationFailedError) Error() string {
	message := fmt.Sprintf("%v: %v", ErrGenerationFailed, failed.Failure)
	if failed.RefundErr != nil {
		message += fmt.Sprintf("; refund: %v", failed.RefundErr)
	}
	if failed.RecordErr != nil {
		message += fmt.Sprintf("; record: %v", failed.RecordErr)
	}
	return message
}

// Unwrap exposes the sentinel, the provider failure, and any cleanup errors.
func (failed GenerationFailedError) Unwrap() []error {
	unwrapped := []error{ErrGenerationFailed, failed.Failure}
	if failed.RefundErr != nil {
		unwrapped = append(unwrapped, failed.RefundErr)
	}
	if failed.RecordErr != nil {
		unwrapped = append(unwrapped, failed.RecordErr)
	}
	return unwrapped
}
