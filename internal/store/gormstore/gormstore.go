package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	columnProductShoots   = "credits_product_shoots"
	columnAdGraphics      = "credits_ad_graphics"
	columnUpdatedAt       = "updated_at"
	defaultJSONDocument   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectProfile   = "profile"
	errorSubjectCredit    = "credit"
	errorSubjectEntry     = "entry"
	errorSubjectGen       = "generation"
	errorSubjectSchema    = "schema"
	errorCodeDecrement    = "decrement"
	errorCodeDuplicate    = "duplicate"
	errorCodeFinish       = "finish"
	errorCodeGet          = "get"
	errorCodeIncrement    = "increment"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeMigrate      = "migrate"
	errorCodeSum          = "sum"

	// keysetCondition selects rows after a (created_at, id) cursor in descending order.
	keysetCondition = "created_at < ? OR (created_at = ? AND CAST(id AS TEXT) < ?)"
)

var counterColumns = map[ledger.Counter]string{
	ledger.CounterProductShoots: columnProductShoots,
	ledger.CounterAdGraphics:    columnAdGraphics,
}

// Store implements ledger.Store and generation.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables, indexes and checks.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetProfile(ctx context.Context, userID ledger.UserID) (ledger.Profile, error) {
	var model UserProfile
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, ledger.ErrUnknownProfile)
		}
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	profile, err := mapProfile(model)
	if err != nil {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeInvalid, err)
	}
	return profile, nil
}

func (store *Store) InsertProfile(ctx context.Context, profileInput ledger.ProfileInput) (ledger.Profile, error) {
	balance := profileInput.Balance()
	model := UserProfile{
		UserID:               profileInput.UserID().String(),
		AccountType:          profileInput.AccountType().String(),
		CreditsProductShoots: balance.ProductShoots,
		CreditsAdGraphics:    balance.AdGraphics,
		CreatedAt:            profileInput.CreatedAt(),
		UpdatedAt:            profileInput.CreatedAt(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeDuplicate, ledger.ErrProfileExists)
	}
	if err != nil {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeInsert, err)
	}
	profile, err := mapProfile(model)
	if err != nil {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeInvalid, err)
	}
	return profile, nil
}

// DecrementCredit issues a single conditional UPDATE guarded by counter > 0.
// Inside a transaction the follow-up read observes the row this call locked.
func (store *Store) DecrementCredit(ctx context.Context, userID ledger.UserID, counter ledger.Counter, at time.Time) (ledger.Balance, bool, error) {
	column, ok := counterColumns[counter]
	if !ok {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectCredit, errorCodeInvalid, ledger.ErrInvalidWorkflow)
	}
	result := store.db.WithContext(ctx).
		Model(&UserProfile{}).
		Where("user_id = ? AND "+column+" > 0", userID.String()).
		Updates(map[string]interface{}{
			column:          gorm.Expr(column + " - 1"),
			columnUpdatedAt: at.UTC(),
		})
	if result.Error != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectCredit, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Balance{}, false, nil
	}
	profile, err := store.GetProfile(ctx, userID)
	if err != nil {
		return ledger.Balance{}, false, err
	}
	return profile.Balance, true, nil
}

func (store *Store) IncrementCredit(ctx context.Context, userID ledger.UserID, counter ledger.Counter, at time.Time) (ledger.Balance, error) {
	column, ok := counterColumns[counter]
	if !ok {
		return ledger.Balance{}, wrapStoreError(errorSubjectCredit, errorCodeInvalid, ledger.ErrInvalidWorkflow)
	}
	result := store.db.WithContext(ctx).
		Model(&UserProfile{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			column:          gorm.Expr(column + " + 1"),
			columnUpdatedAt: at.UTC(),
		})
	if result.Error != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectCredit, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Balance{}, wrapStoreError(errorSubjectCredit, errorCodeIncrement, ledger.ErrUnknownProfile)
	}
	profile, err := store.GetProfile(ctx, userID)
	if err != nil {
		return ledger.Balance{}, err
	}
	return profile.Balance, nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.LedgerEntry, error) {
	var generationID *string
	if value, ok := entryInput.GenerationID(); ok {
		raw := value.String()
		generationID = &raw
	}
	model := CreditLedgerEntry{
		UserID:       entryInput.UserID().String(),
		Workflow:     entryInput.Workflow().String(),
		Delta:        entryInput.Delta(),
		Reason:       entryInput.Reason().String(),
		GenerationID: generationID,
		CreatedAt:    entryInput.CreatedAt(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateLedgerEntry)
	}
	if err != nil {
		return ledger.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return ledger.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) FindGenerationEntry(ctx context.Context, generationID ledger.GenerationID, reason ledger.LedgerReason) (ledger.LedgerEntry, bool, error) {
	var model CreditLedgerEntry
	err := store.db.WithContext(ctx).
		Where("generation_id = ? AND reason = ?", generationID.String(), reason.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.LedgerEntry{}, false, nil
	}
	if err != nil {
		return ledger.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return ledger.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]ledger.LedgerEntry, error) {
	var rows []CreditLedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Where(keysetCondition, cursor.CreatedAt.UTC(), cursor.CreatedAt.UTC(), cursor.ID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumLedgerDeltas(ctx context.Context, userID ledger.UserID) (map[ledger.Workflow]int64, error) {
	var rows []workflowSum
	err := store.db.WithContext(ctx).
		Model(&CreditLedgerEntry{}).
		Select("workflow, coalesce(sum(delta),0) as total").
		Where("user_id = ?", userID.String()).
		Group("workflow").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	sums := make(map[ledger.Workflow]int64, len(rows))
	for _, row := range rows {
		workflow, err := ledger.ParseWorkflow(row.Workflow)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		sums[workflow] = row.Total
	}
	return sums, nil
}

func (store *Store) InsertGeneration(ctx context.Context, record generation.Generation) error {
	model := Generation{
		ID:         record.ID.String(),
		UserID:     record.UserID.String(),
		Workflow:   record.Workflow.String(),
		Status:     record.Status.String(),
		InputJSON:  jsonOrEmpty(record.InputJSON),
		OutputJSON: jsonOrEmpty(record.OutputJSON),
		CreatedAt:  record.CreatedAt.UTC(),
		UpdatedAt:  record.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGen, errorCodeDuplicate, generation.ErrGenerationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGen, errorCodeInsert, err)
	}
	return nil
}

// FinishGeneration only touches rows that are still pending.
func (store *Store) FinishGeneration(ctx context.Context, id ledger.GenerationID, transition generation.Transition) (generation.Generation, error) {
	result := store.db.WithContext(ctx).
		Model(&Generation{}).
		Where("id = ? AND status = ?", id.String(), generation.StatusPending.String()).
		Updates(map[string]interface{}{
			"status":              transition.Status.String(),
			"output_json":         jsonOrEmpty(transition.OutputJSON),
			"provider_request_id": transition.ProviderRequestID,
			"provider_model":      transition.ProviderModel,
			"asset_key":           transition.AssetKey,
			"error_code":          transition.ErrorCode,
			"error_message":       transition.ErrorMessage,
			columnUpdatedAt:       transition.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return generation.Generation{}, wrapStoreError(errorSubjectGen, errorCodeFinish, result.Error)
	}
	model, err := store.takeGeneration(ctx, store.db.WithContext(ctx).Where("id = ?", id.String()))
	if err != nil {
		return generation.Generation{}, err
	}
	if result.RowsAffected == 0 {
		return generation.Generation{}, wrapStoreError(errorSubjectGen, errorCodeFinish, generation.ErrGenerationClosed)
	}
	return model, nil
}

func (store *Store) GetGeneration(ctx context.Context, userID ledger.UserID, id ledger.GenerationID) (generation.Generation, error) {
	return store.takeGeneration(ctx, store.db.WithContext(ctx).Where("id = ? AND user_id = ?", id.String(), userID.String()))
}

func (store *Store) ListGenerations(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]generation.Generation, error) {
	var rows []Generation
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Where(keysetCondition, cursor.CreatedAt.UTC(), cursor.CreatedAt.UTC(), cursor.ID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGen, errorCodeList, err)
	}
	records := make([]generation.Generation, 0, len(rows))
	for _, row := range rows {
		record, err := mapGeneration(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGen, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) takeGeneration(ctx context.Context, query *gorm.DB) (generation.Generation, error) {
	var model Generation
	if err := query.Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return generation.Generation{}, wrapStoreError(errorSubjectGen, errorCodeGet, generation.ErrUnknownGeneration)
		}
		return generation.Generation{}, wrapStoreError(errorSubjectGen, errorCodeGet, err)
	}
	record, err := mapGeneration(model)
	if err != nil {
		return generation.Generation{}, wrapStoreError(errorSubjectGen, errorCodeInvalid, err)
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type workflowSum struct {
	Workflow string
	Total    int64
}

func mapProfile(model UserProfile) (ledger.Profile, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Profile{}, err
	}
	accountType, err := ledger.ParseAccountType(model.AccountType)
	if err != nil {
		return ledger.Profile{}, err
	}
	balance := ledger.Balance{ProductShoots: model.CreditsProductShoots, AdGraphics: model.CreditsAdGraphics}
	if err := balance.Validate(); err != nil {
		return ledger.Profile{}, err
	}
	return ledger.Profile{
		UserID:      userID,
		AccountType: accountType,
		Balance:     balance,
		CreatedAt:   model.CreatedAt.UTC(),
		UpdatedAt:   model.UpdatedAt.UTC(),
	}, nil
}

func mapLedgerEntry(row CreditLedgerEntry) (ledger.LedgerEntry, error) {
	entryID, err := ledger.NewEntryID(row.ID)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	workflow, err := ledger.ParseWorkflow(row.Workflow)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	reason, err := ledger.ParseLedgerReason(row.Reason)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	if row.Delta != reason.Delta() {
		return ledger.LedgerEntry{}, ledger.ErrInvalidDelta
	}
	var generationID *ledger.GenerationID
	if row.GenerationID != nil {
		parsedGenerationID, err := ledger.NewGenerationID(*row.GenerationID)
		if err != nil {
			return ledger.LedgerEntry{}, err
		}
		generationID = &parsedGenerationID
	}
	return ledger.LedgerEntry{
		EntryID:      entryID,
		UserID:       userID,
		Workflow:     workflow,
		Delta:        row.Delta,
		Reason:       reason,
		GenerationID: generationID,
		CreatedAt:    row.CreatedAt.UTC(),
	}, nil
}

func mapGeneration(model Generation) (generation.Generation, error) {
	generationID, err := ledger.NewGenerationID(model.ID)
	if err != nil {
		return generation.Generation{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return generation.Generation{}, err
	}
	workflow, err := ledger.ParseWorkflow(model.Workflow)
	if err != nil {
		return generation.Generation{}, err
	}
	status, err := generation.ParseStatus(model.Status)
	if err != nil {
		return generation.Generation{}, err
	}
	return generation.Generation{
		ID:                generationID,
		UserID:            userID,
		Workflow:          workflow,
		Status:            status,
		InputJSON:         []byte(model.InputJSON),
		OutputJSON:        []byte(model.OutputJSON),
		ProviderRequestID: model.ProviderRequestID,
		ProviderModel:     model.ProviderModel,
		AssetKey:          model.AssetKey,
		ErrorCode:         model.ErrorCode,
		ErrorMessage:      model.ErrorMessage,
		CreatedAt:         model.CreatedAt.UTC(),
		UpdatedAt:         model.UpdatedAt.UTC(),
	}, nil
}

func jsonOrEmpty(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultJSONDocument))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
