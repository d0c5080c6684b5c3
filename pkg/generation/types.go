package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
)

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.TrimSpace(raw)); status {
	case StatusPending, StatusSucceeded, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the status value.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether no further transition is allowed.
func (status Status) Terminal() bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Generation is one paid workflow run.
type Generation struct {
	ID                ledger.GenerationID
	UserID            ledger.UserID
	Workflow          ledger.Workflow
	Status            Status
	InputJSON         json.RawMessage
	OutputJSON        json.RawMessage
	ProviderRequestID string
	ProviderModel     string
	AssetKey          string
	ErrorCode         string
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Outcome describes a successful provider call.
type Outcome struct {
	ProviderRequestID string
	ProviderModel     string
	OutputJSON        json.RawMessage
	AssetKey          string
}

// Failure describes a failed provider call.
type Failure struct {
	Code              string
	Message           string
	ProviderRequestID string
	ProviderModel     string
}

// Transition is the terminal update applied to a pending generation.
type Transition struct {
	Status            Status
	OutputJSON        json.RawMessage
	ProviderRequestID string
	ProviderModel     string
	AssetKey          string
	ErrorCode         string
	ErrorMessage      string
	UpdatedAt         time.Time
}

// Store persists generation records.
type Store interface {
	// InsertGeneration returns ErrGenerationExists on an id collision.
	InsertGeneration(ctx context.Context, record Generation) error
	// FinishGeneration applies the transition only while the row is pending.
	// It returns ErrGenerationClosed for terminal rows and ErrUnknownGeneration
	// when the id does not exist.
	FinishGeneration(ctx context.Context, id ledger.GenerationID, transition Transition) (Generation, error)
	GetGeneration(ctx context.Context, userID ledger.UserID, id ledger.GenerationID) (Generation, error)
	// ListGenerations returns rows strictly after the cursor, ordered by
	// (created_at, id) descending.
	ListGenerations(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]Generation, error)
}
