package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectProfile     = "profile"
	errorSubjectCredit      = "credit"
	errorSubjectEntry       = "entry"
	errorSubjectGeneration  = "generation"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeFinish         = "finish"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeMigrate        = "migrate"
	errorCodeSum            = "sum"

	sqlSelectProfile = `
		select user_id, account_type, credits_product_shoots, credits_ad_graphics, created_at, updated_at
		from user_profiles
		where user_id = $1
	`

	sqlInsertProfile = `
		insert into user_profiles(user_id, account_type, credits_product_shoots, credits_ad_graphics, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5)
		returning user_id, account_type, credits_product_shoots, credits_ad_graphics, created_at, updated_at
	`

	sqlDecrementProductShoots = `
		update user_profiles
		set credits_product_shoots = credits_product_shoots - 1, updated_at = $2
		where user_id = $1 and credits_product_shoots > 0
		returning credits_product_shoots, credits_ad_graphics
	`

	sqlDecrementAdGraphics = `
		update user_profiles
		set credits_ad_graphics = credits_ad_graphics - 1, updated_at = $2
		where user_id = $1 and credits_ad_graphics > 0
		returning credits_product_shoots, credits_ad_graphics
	`

	sqlIncrementProductShoots = `
		update user_profiles
		set credits_product_shoots = credits_product_shoots + 1, updated_at = $2
		where user_id = $1
		returning credits_product_shoots, credits_ad_graphics
	`

	sqlIncrementAdGraphics = `
		update user_profiles
		set credits_ad_graphics = credits_ad_graphics + 1, updated_at = $2
		where user_id = $1
		returning credits_product_shoots, credits_ad_graphics
	`

	sqlInsertLedgerEntry = `
		insert into credit_ledger(user_id, workflow, delta, reason, generation_id, created_at)
		values ($1, $2, $3, $4, nullif($5, ''), $6)
		returning id::text, user_id, workflow, delta, reason, coalesce(generation_id, ''), created_at
	`

	sqlSelectGenerationEntry = `
		select id::text, user_id, workflow, delta, reason, coalesce(generation_id, ''), created_at
		from credit_ledger
		where generation_id = $1 and reason = $2
	`

	sqlListLedgerEntries = `
		select id::text, user_id, workflow, delta, reason, coalesce(generation_id, ''), created_at
		from credit_ledger
		where user_id = $1 and (created_at < $2 or (created_at = $2 and id::text < $3))
		order by created_at desc, id desc
		limit $4
	`

	sqlSumLedgerDeltas = `
		select workflow, coalesce(sum(delta), 0)::bigint
		from credit_ledger
		where user_id = $1
		group by workflow
	`

	sqlInsertGeneration = `
		insert into generations(id, user_id, workflow, status, input_json, output_json, created_at, updated_at)
		values ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)
	`

	sqlFinishGeneration = `
		update generations
		set status = $2, output_json = $3::jsonb, provider_request_id = $4, provider_model = $5,
			asset_key = $6, error_code = $7, error_message = $8, updated_at = $9
		where id = $1 and status = 'pending'
	`

	sqlGenerationColumns = `
		select id, user_id, workflow, status, input_json::text, output_json::text, provider_request_id,
			provider_model, asset_key, error_code, error_message, created_at, updated_at
		from generations
	`

	sqlSelectGeneration        = sqlGenerationColumns + ` where id = $1`
	sqlSelectUserGeneration    = sqlGenerationColumns + ` where id = $1 and user_id = $2`
	sqlListGenerationsAfter    = sqlGenerationColumns + ` where user_id = $1 and (created_at < $2 or (created_at = $2 and id < $3)) order by created_at desc, id desc limit $4`
	defaultGenerationJSONValue = "{}"
)

var (
	decrementStatements = map[ledger.Counter]string{
		ledger.CounterProductShoots: sqlDecrementProductShoots,
		ledger.CounterAdGraphics:    sqlDecrementAdGraphics,
	}
	incrementStatements = map[ledger.Counter]string{
		ledger.CounterProductShoots: sqlIncrementProductShoots,
		ledger.CounterAdGraphics:    sqlIncrementAdGraphics,
	}
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store and generation.Store on a pgx pool. Inside
// WithTx the same type runs against the transaction and pool is nil.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetProfile(ctx context.Context, userID ledger.UserID) (ledger.Profile, error) {
	profile, err := scanProfile(store.db.QueryRow(ctx, sqlSelectProfile, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, ledger.ErrUnknownProfile)
	}
	if err != nil {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return profile, nil
}

func (store *Store) InsertProfile(ctx context.Context, profileInput ledger.ProfileInput) (ledger.Profile, error) {
	balance := profileInput.Balance()
	profile, err := scanProfile(store.db.QueryRow(ctx, sqlInsertProfile,
		profileInput.UserID().String(),
		profileInput.AccountType().String(),
		balance.ProductShoots,
		balance.AdGraphics,
		profileInput.CreatedAt(),
	))
	if isUniqueViolation(err) {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeDuplicate, ledger.ErrProfileExists)
	}
	if err != nil {
		return ledger.Profile{}, wrapStoreError(errorSubjectProfile, errorCodeInsert, err)
	}
	return profile, nil
}

// DecrementCredit relies on UPDATE ... WHERE counter > 0 RETURNING for
// compare-and-decrement without an explicit lock.
func (store *Store) DecrementCredit(ctx context.Context, userID ledger.UserID, counter ledger.Counter, at time.Time) (ledger.Balance, bool, error) {
	statement, ok := decrementStatements[counter]
	if !ok {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectCredit, errorCodeInvalid, ledger.ErrInvalidWorkflow)
	}
	var balance ledger.Balance
	err := store.db.QueryRow(ctx, statement, userID.String(), at.UTC()).Scan(&balance.ProductShoots, &balance.AdGraphics)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectCredit, errorCodeDecrement, err)
	}
	return balance, true, nil
}

func (store *Store) IncrementCredit(ctx context.Context, userID ledger.UserID, counter ledger.Counter, at time.Time) (ledger.Balance, error) {
	statement, ok := incrementStatements[counter]
	if !ok {
		return ledger.Balance{}, wrapStoreError(errorSubjectCredit, errorCodeInvalid, ledger.ErrInvalidWorkflow)
	}
	var balance ledger.Balance
	err := store.db.QueryRow(ctx, statement, userID.String(), at.UTC()).Scan(&balance.ProductShoots, &balance.AdGraphics)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, wrapStoreError(errorSubjectCredit, errorCodeIncrement, ledger.ErrUnknownProfile)
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectCredit, errorCodeIncrement, err)
	}
	return balance, nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.LedgerEntry, error) {
	generationID := ""
	if value, ok := entryInput.GenerationID(); ok {
		generationID = value.String()
	}
	createdAt := entryInput.CreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	entry, err := scanLedgerEntry(store.db.QueryRow(ctx, sqlInsertLedgerEntry,
		entryInput.UserID().String(),
		entryInput.Workflow().String(),
		entryInput.Delta(),
		entryInput.Reason().String(),
		generationID,
		createdAt,
	))
	if isUniqueViolation(err) {
		return ledger.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateLedgerEntry)
	}
	if err != nil {
		return ledger.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return entry, nil
}

func (store *Store) FindGenerationEntry(ctx context.Context, generationID ledger.GenerationID, reason ledger.LedgerReason) (ledger.LedgerEntry, bool, error) {
	entry, err := scanLedgerEntry(store.db.QueryRow(ctx, sqlSelectGenerationEntry, generationID.String(), reason.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.LedgerEntry{}, false, nil
	}
	if err != nil {
		return ledger.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, true, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]ledger.LedgerEntry, error) {
	rows, err := store.db.Query(ctx, sqlListLedgerEntries, userID.String(), cursor.CreatedAt.UTC(), cursor.ID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []ledger.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) SumLedgerDeltas(ctx context.Context, userID ledger.UserID) (map[ledger.Workflow]int64, error) {
	rows, err := store.db.Query(ctx, sqlSumLedgerDeltas, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	defer rows.Close()
	sums := map[ledger.Workflow]int64{}
	for rows.Next() {
		var (
			workflowValue string
			total         int64
		)
		if err := rows.Scan(&workflowValue, &total); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
		}
		workflow, err := ledger.ParseWorkflow(workflowValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		sums[workflow] = total
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sums, nil
}

func (store *Store) InsertGeneration(ctx context.Context, record generation.Generation) error {
	_, err := store.db.Exec(ctx, sqlInsertGeneration,
		record.ID.String(),
		record.UserID.String(),
		record.Workflow.String(),
		record.Status.String(),
		jsonText(record.InputJSON),
		jsonText(record.OutputJSON),
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGeneration, errorCodeDuplicate, generation.ErrGenerationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FinishGeneration(ctx context.Context, id ledger.GenerationID, transition generation.Transition) (generation.Generation, error) {
	tag, err := store.db.Exec(ctx, sqlFinishGeneration,
		id.String(),
		transition.Status.String(),
		jsonText(transition.OutputJSON),
		transition.ProviderRequestID,
		transition.ProviderModel,
		transition.AssetKey,
		transition.ErrorCode,
		transition.ErrorMessage,
		transition.UpdatedAt.UTC(),
	)
	if err != nil {
		return generation.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeFinish, err)
	}
	record, err := store.selectGeneration(ctx, sqlSelectGeneration, id.String())
	if err != nil {
		return generation.Generation{}, err
	}
	if tag.RowsAffected() == 0 {
		return generation.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeFinish, generation.ErrGenerationClosed)
	}
	return record, nil
}

func (store *Store) GetGeneration(ctx context.Context, userID ledger.UserID, id ledger.GenerationID) (generation.Generation, error) {
	return store.selectGeneration(ctx, sqlSelectUserGeneration, id.String(), userID.String())
}

func (store *Store) ListGenerations(ctx context.Context, userID ledger.UserID, cursor ledger.PageCursor, limit int) ([]generation.Generation, error) {
	rows, err := store.db.Query(ctx, sqlListGenerationsAfter, userID.String(), cursor.CreatedAt.UTC(), cursor.ID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	defer rows.Close()
	var records []generation.Generation
	for rows.Next() {
		record, err := scanGeneration(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	return records, nil
}

func (store *Store) selectGeneration(ctx context.Context, statement string, args ...any) (generation.Generation, error) {
	record, err := scanGeneration(store.db.QueryRow(ctx, statement, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return generation.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, generation.ErrUnknownGeneration)
	}
	if err != nil {
		return generation.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, err)
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanProfile(row pgx.Row) (ledger.Profile, error) {
	var (
		userValue        string
		accountTypeValue string
		balance          ledger.Balance
		createdAt        time.Time
		updatedAt        time.Time
	)
	if err := row.Scan(&userValue, &accountTypeValue, &balance.ProductShoots, &balance.AdGraphics, &createdAt, &updatedAt); err != nil {
		return ledger.Profile{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Profile{}, err
	}
	accountType, err := ledger.ParseAccountType(accountTypeValue)
	if err != nil {
		return ledger.Profile{}, err
	}
	return ledger.Profile{
		UserID:      userID,
		AccountType: accountType,
		Balance:     balance,
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   updatedAt.UTC(),
	}, nil
}

func scanLedgerEntry(row pgx.Row) (ledger.LedgerEntry, error) {
	var (
		entryValue      string
		userValue       string
		workflowValue   string
		delta           int64
		reasonValue     string
		generationValue string
		createdAt       time.Time
	)
	if err := row.Scan(&entryValue, &userValue, &workflowValue, &delta, &reasonValue, &generationValue, &createdAt); err != nil {
		return ledger.LedgerEntry{}, err
	}
	entryID, err := ledger.NewEntryID(entryValue)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	workflow, err := ledger.ParseWorkflow(workflowValue)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	reason, err := ledger.ParseLedgerReason(reasonValue)
	if err != nil {
		return ledger.LedgerEntry{}, err
	}
	var generationID *ledger.GenerationID
	if generationValue != "" {
		parsedGenerationID, err := ledger.NewGenerationID(generationValue)
		if err != nil {
			return ledger.LedgerEntry{}, err
		}
		generationID = &parsedGenerationID
	}
	return ledger.LedgerEntry{
		EntryID:      entryID,
		UserID:       userID,
		Workflow:     workflow,
		Delta:        delta,
		Reason:       reason,
		GenerationID: generationID,
		CreatedAt:    createdAt.UTC(),
	}, nil
}

func scanGeneration(row pgx.Row) (generation.Generation, error) {
	var (
		idValue       string
		userValue     string
		workflowValue string
		statusValue   string
		inputValue    string
		outputValue   string
		record        generation.Generation
	)
	err := row.Scan(
		&idValue,
		&userValue,
		&workflowValue,
		&statusValue,
		&inputValue,
		&outputValue,
		&record.ProviderRequestID,
		&record.ProviderModel,
		&record.AssetKey,
		&record.ErrorCode,
		&record.ErrorMessage,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return generation.Generation{}, err
	}
	if record.ID, err = ledger.NewGenerationID(idValue); err != nil {
		return generation.Generation{}, err
	}
	if record.UserID, err = ledger.NewUserID(userValue); err != nil {
		return generation.Generation{}, err
	}
	if record.Workflow, err = ledger.ParseWorkflow(workflowValue); err != nil {
		return generation.Generation{}, err
	}
	if record.Status, err = generation.ParseStatus(statusValue); err != nil {
		return generation.Generation{}, err
	}
	record.InputJSON = []byte(inputValue)
	record.OutputJSON = []byte(outputValue)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func jsonText(raw []byte) string {
	if len(raw) == 0 {
		return defaultGenerationJSONValue
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
