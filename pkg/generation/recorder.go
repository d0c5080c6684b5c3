package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
)

const (
	defaultListLimit  = 20
	maxListLimit      = 100
	maxErrorMessage   = 1024
	emptyJSONDocument = "{}"
)

// Recorder drives the generation lifecycle: a record starts pending and moves
// exactly once to succeeded or failed.
type Recorder struct {
	store Store
	nowFn func() time.Time
}

// NewRecorder validates dependencies.
func NewRecorder(store Store, now func() time.Time) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidRecorderConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidRecorderConfig)
	}
	return &Recorder{store: store, nowFn: now}, nil
}

// Start inserts a pending generation.
func (recorder *Recorder) Start(ctx context.Context, id ledger.GenerationID, userID ledger.UserID, workflow ledger.Workflow, inputJSON json.RawMessage) (Generation, error) {
	if id.String() == "" {
		return Generation{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidGenerationID)
	}
	if userID.String() == "" {
		return Generation{}, fmt.Errorf("%w: empty value", ledger.ErrInvalidUserID)
	}
	if _, err := ledger.ParseWorkflow(workflow.String()); err != nil {
		return Generation{}, err
	}
	normalizedInput, err := normalizeJSON(inputJSON, ErrInvalidInputJSON)
	if err != nil {
		return Generation{}, err
	}
	nowUTC := recorder.nowFn().UTC()
	record := Generation{
		ID:         id,
		UserID:     userID,
		Workflow:   workflow,
		Status:     StatusPending,
		InputJSON:  normalizedInput,
		OutputJSON: json.RawMessage(emptyJSONDocument),
		CreatedAt:  nowUTC,
		UpdatedAt:  nowUTC,
	}
	if err := recorder.store.InsertGeneration(ctx, record); err != nil {
		return Generation{}, err
	}
	return record, nil
}

// Succeed closes a pending generation with the provider outcome.
func (recorder *Recorder) Succeed(ctx context.Context, id ledger.GenerationID, outcome Outcome) (Generation, error) {
	outputJSON, err := normalizeJSON(outcome.OutputJSON, ErrInvalidOutputJSON)
	if err != nil {
		return Generation{}, err
	}
	return recorder.store.FinishGeneration(ctx, id, Transition{
		Status:            StatusSucceeded,
		OutputJSON:        outputJSON,
		ProviderRequestID: strings.TrimSpace(outcome.ProviderRequestID),
		ProviderModel:     strings.TrimSpace(outcome.ProviderModel),
		AssetKey:          strings.TrimSpace(outcome.AssetKey),
		UpdatedAt:         recorder.nowFn().UTC(),
	})
}

// Fail closes a pending generation with a classified error.
func (recorder *Recorder) Fail(ctx context.Context, id ledger.GenerationID, failure Failure) (Generation, error) {
	code := strings.TrimSpace(failure.Code)
	if code == "" {
		return Generation{}, fmt.Errorf("%w: empty value", ErrInvalidFailureCode)
	}
	return recorder.store.FinishGeneration(ctx, id, Transition{
		Status:            StatusFailed,
		OutputJSON:        json.RawMessage(emptyJSONDocument),
		ProviderRequestID: strings.TrimSpace(failure.ProviderRequestID),
		ProviderModel:     strings.TrimSpace(failure.ProviderModel),
		ErrorCode:         code,
		ErrorMessage:      truncate(failure.Message, maxErrorMessage),
		UpdatedAt:         recorder.nowFn().UTC(),
	})
}

// Get returns a generation owned by userID.
func (recorder *Recorder) Get(ctx context.Context, userID ledger.UserID, id ledger.GenerationID) (Generation, error) {
	return recorder.store.GetGeneration(ctx, userID, id)
}

// List returns the user's generations after the cursor, newest first.
func (recorder *Recorder) List(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]Generation, error) {
	if cursor.IsZero() {
		cursor = ledger.PageCursor{CreatedAt: recorder.nowFn().UTC().Add(time.Second)}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return recorder.store.ListGenerations(ctx, userID, cursor, limit)
}

func normalizeJSON(raw json.RawMessage, sentinel error) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(emptyJSONDocument), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed document", sentinel)
	}
	return raw, nil
}

func truncate(message string, limit int) string {
	trimmed := strings.TrimSpace(message)
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return trimmed
	}
	return string(runes[:limit])
}
