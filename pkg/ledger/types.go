package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID identifies a profile owner.
type UserID struct {
	value string
}

// GenerationID identifies a generation record.
type GenerationID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewGenerationID validates and normalizes a generation id.
func NewGenerationID(raw string) (GenerationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GenerationID{}, fmt.Errorf("%w: empty value", ErrInvalidGenerationID)
	}
	return GenerationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GenerationID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// AccountType selects the plan a profile was created under.
type AccountType string

const (
	AccountTypeFree AccountType = "free"
	AccountTypePaid AccountType = "paid"
)

// ParseAccountType validates a stored or requested account type.
func ParseAccountType(raw string) (AccountType, error) {
	switch accountType := AccountType(strings.ToLower(strings.TrimSpace(raw))); accountType {
	case AccountTypeFree, AccountTypePaid:
		return accountType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountType, raw)
	}
}

// String returns the account type value.
func (accountType AccountType) String() string {
	return string(accountType)
}

// Counter names one of the two per-profile credit balances.
type Counter string

const (
	CounterProductShoots Counter = "product_shoots"
	CounterAdGraphics    Counter = "ad_graphics"
)

// String returns the counter name.
func (counter Counter) String() string {
	return string(counter)
}

// Workflow is a paid generation request type.
type Workflow string

const (
	WorkflowImageFromText      Workflow = "image-from-text"
	WorkflowImageFromReference Workflow = "image-from-reference"
	WorkflowVideoFromReference Workflow = "video-from-reference"
)

var workflowCounters = map[Workflow]Counter{
	WorkflowImageFromText:      CounterProductShoots,
	WorkflowImageFromReference: CounterAdGraphics,
	WorkflowVideoFromReference: CounterAdGraphics,
}

// ParseWorkflow validates a workflow name.
func ParseWorkflow(raw string) (Workflow, error) {
	workflow := Workflow(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := workflowCounters[workflow]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkflow, raw)
	}
	return workflow, nil
}

// Workflows lists every supported workflow in a stable order.
func Workflows() []Workflow {
	return []Workflow{WorkflowImageFromText, WorkflowImageFromReference, WorkflowVideoFromReference}
}

// Counter returns the balance debited by the workflow.
func (workflow Workflow) Counter() Counter {
	return workflowCounters[workflow]
}

// String returns the workflow name.
func (workflow Workflow) String() string {
	return string(workflow)
}

// Balance holds the two credit counters of a profile.
type Balance struct {
	ProductShoots int64
	AdGraphics    int64
}

// Of returns the value of a single counter.
func (balance Balance) Of(counter Counter) int64 {
	switch counter {
	case CounterProductShoots:
		return balance.ProductShoots
	case CounterAdGraphics:
		return balance.AdGraphics
	default:
		return 0
	}
}

// Add returns the balance with delta applied to one counter.
func (balance Balance) Add(counter Counter, delta int64) Balance {
	switch counter {
	case CounterProductShoots:
		balance.ProductShoots += delta
	case CounterAdGraphics:
		balance.AdGraphics += delta
	}
	return balance
}

// Validate rejects negative counters.
func (balance Balance) Validate() error {
	if balance.ProductShoots < 0 || balance.AdGraphics < 0 {
		return fmt.Errorf("%w: counters must be non-negative", ErrInvalidBalance)
	}
	return nil
}

// ParseGrant parses a "productShoots/adGraphics" pair such as "10/10".
func ParseGrant(raw string) (Balance, error) {
	parts := strings.Split(strings.TrimSpace(raw), grantDelimiter)
	if len(parts) != 2 {
		return Balance{}, fmt.Errorf("%w: expected <product_shoots>/<ad_graphics>, got %q", ErrInvalidPlanGrant, raw)
	}
	productShoots, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrInvalidPlanGrant, err)
	}
	adGraphics, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrInvalidPlanGrant, err)
	}
	grant := Balance{ProductShoots: productShoots, AdGraphics: adGraphics}
	if grant.Validate() != nil {
		return Balance{}, fmt.Errorf("%w: negative grant %q", ErrInvalidPlanGrant, raw)
	}
	return grant, nil
}

// PlanGrants maps each account type to the credits a new profile starts with.
type PlanGrants struct {
	Free Balance
	Paid Balance
}

// DefaultPlanGrants returns the stock plan configuration.
func DefaultPlanGrants() PlanGrants {
	return PlanGrants{
		Free: Balance{ProductShoots: 1, AdGraphics: 1},
		Paid: Balance{ProductShoots: 10, AdGraphics: 10},
	}
}

// For returns the grant for the given account type.
func (grants PlanGrants) For(accountType AccountType) Balance {
	if accountType == AccountTypePaid {
		return grants.Paid
	}
	return grants.Free
}

// Validate ensures every plan grant is non-negative.
func (grants PlanGrants) Validate() error {
	if grants.Free.Validate() != nil || grants.Paid.Validate() != nil {
		return fmt.Errorf("%w: plan grants must be non-negative", ErrInvalidPlanGrant)
	}
	return nil
}

// Profile is the per-user credit record.
type Profile struct {
	UserID      UserID
	AccountType AccountType
	Balance     Balance
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProfileInput is a validated profile ready to be inserted.
type ProfileInput struct {
	userID      UserID
	accountType AccountType
	balance     Balance
	createdAt   time.Time
}

// NewProfileInput validates a new profile row.
func NewProfileInput(userID UserID, accountType AccountType, balance Balance, createdAt time.Time) (ProfileInput, error) {
	if userID.String() == "" {
		return ProfileInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseAccountType(accountType.String()); err != nil {
		return ProfileInput{}, err
	}
	if err := balance.Validate(); err != nil {
		return ProfileInput{}, err
	}
	return ProfileInput{userID: userID, accountType: accountType, balance: balance, createdAt: createdAt.UTC()}, nil
}

// UserID returns the owner.
func (input ProfileInput) UserID() UserID {
	return input.userID
}

// AccountType returns the plan.
func (input ProfileInput) AccountType() AccountType {
	return input.accountType
}

// Balance returns the initial counters.
func (input ProfileInput) Balance() Balance {
	return input.balance
}

// CreatedAt returns the creation timestamp.
func (input ProfileInput) CreatedAt() time.Time {
	return input.createdAt
}

// LedgerReason tags why a ledger entry was written.
type LedgerReason string

const (
	ReasonGenerationDebit  LedgerReason = "generation_debit"
	ReasonGenerationRefund LedgerReason = "generation_refund"
)

// ParseLedgerReason validates a stored reason.
func ParseLedgerReason(raw string) (LedgerReason, error) {
	switch reason := LedgerReason(strings.TrimSpace(raw)); reason {
	case ReasonGenerationDebit, ReasonGenerationRefund:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLedgerReason, raw)
	}
}

// String returns the reason value.
func (reason LedgerReason) String() string {
	return string(reason)
}

// Delta returns the signed counter change recorded for the reason.
func (reason LedgerReason) Delta() int64 {
	if reason == ReasonGenerationDebit {
		return -1
	}
	return 1
}

// LedgerEntry is a single immutable line in the credit ledger.
type LedgerEntry struct {
	EntryID      EntryID
	UserID       UserID
	Workflow     Workflow
	Delta        int64
	Reason       LedgerReason
	GenerationID *GenerationID
	CreatedAt    time.Time
}

// EntryInput is a validated ledger entry ready to be appended.
type EntryInput struct {
	userID       UserID
	workflow     Workflow
	reason       LedgerReason
	generationID *GenerationID
	createdAt    time.Time
}

// NewEntryInput validates a ledger entry. The delta is derived from the reason.
func NewEntryInput(userID UserID, workflow Workflow, reason LedgerReason, generationID *GenerationID, createdAt time.Time) (EntryInput, error) {
	if userID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseWorkflow(workflow.String()); err != nil {
		return EntryInput{}, err
	}
	if _, err := ParseLedgerReason(reason.String()); err != nil {
		return EntryInput{}, err
	}
	if generationID != nil && generationID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidGenerationID)
	}
	return EntryInput{
		userID:       userID,
		workflow:     workflow,
		reason:       reason,
		generationID: generationID,
		createdAt:    createdAt.UTC(),
	}, nil
}

// UserID returns the owner.
func (input EntryInput) UserID() UserID {
	return input.userID
}

// Workflow returns the workflow whose counter changed.
func (input EntryInput) Workflow() Workflow {
	return input.workflow
}

// Delta returns the signed counter change.
func (input EntryInput) Delta() int64 {
	return input.reason.Delta()
}

// Reason returns the entry reason.
func (input EntryInput) Reason() LedgerReason {
	return input.reason
}

// GenerationID returns the linked generation, if any.
func (input EntryInput) GenerationID() (GenerationID, bool) {
	if input.generationID == nil {
		return GenerationID{}, false
	}
	return *input.generationID, true
}

// CreatedAt returns the entry timestamp.
func (input EntryInput) CreatedAt() time.Time {
	return input.createdAt
}

// ReserveResult reports the outcome of a reservation attempt. A declined
// reservation carries Success=false and the balance at the time of the attempt.
type ReserveResult struct {
	Success bool
	Balance Balance
}

// CounterReconciliation compares a counter with the ledger history for it.
type CounterReconciliation struct {
	Counter   Counter
	Granted   int64
	LedgerSum int64
	Current   int64
}

// Expected returns the balance implied by the grant and the ledger.
func (reconciliation CounterReconciliation) Expected() int64 {
	return reconciliation.Granted + reconciliation.LedgerSum
}

// Drift returns current minus expected; zero means the ledger reconciles.
func (reconciliation CounterReconciliation) Drift() int64 {
	return reconciliation.Current - reconciliation.Expected()
}

// Reconciliation summarizes ledger/balance agreement for a profile.
type Reconciliation struct {
	UserID   UserID
	Counters []CounterReconciliation
}

// Consistent reports whether every counter reconciles.
func (reconciliation Reconciliation) Consistent() bool {
	for _, counter := range reconciliation.Counters {
		if counter.Drift() != 0 {
			return false
		}
	}
	return true
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// GetProfile returns ErrUnknownProfile when the row is absent.
	GetProfile(ctx context.Context, userID UserID) (Profile, error)
	// InsertProfile returns ErrProfileExists on a uniqueness violation.
	InsertProfile(ctx context.Context, profile ProfileInput) (Profile, error)
	// DecrementCredit is a single conditional update (counter > 0). The bool
	// reports whether a row was changed; the balance is only set when it was.
	DecrementCredit(ctx context.Context, userID UserID, counter Counter, at time.Time) (Balance, bool, error)
	IncrementCredit(ctx context.Context, userID UserID, counter Counter, at time.Time) (Balance, error)
	// InsertLedgerEntry returns ErrDuplicateLedgerEntry when the generation
	// already has an entry with the same reason.
	InsertLedgerEntry(ctx context.Context, entry EntryInput) (LedgerEntry, error)
	FindGenerationEntry(ctx context.Context, generationID GenerationID, reason LedgerReason) (LedgerEntry, bool, error)
	// ListLedgerEntries returns rows strictly after the cursor, ordered by
	// (created_at, id) descending.
	ListLedgerEntries(ctx context.Context, userID UserID, cursor PageCursor, limit int) ([]LedgerEntry, error)
	SumLedgerDeltas(ctx context.Context, userID UserID) (map[Workflow]int64, error)
}
