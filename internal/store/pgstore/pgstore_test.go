package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envTestDatabaseURL = "ADDREAMS_TEST_POSTGRES_URL"

var (
	_ ledger.Store     = (*Store)(nil)
	_ generation.Store = (*Store)(nil)
)

func TestIsUniqueViolation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "unique", err: &pgconn.PgError{Code: "23505", ConstraintName: "user_profiles_pkey"}, expected: true},
		{name: "wrapped_unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), expected: true},
		{name: "check_violation", err: &pgconn.PgError{Code: "23514"}, expected: false},
		{name: "plain", err: errors.New("connection refused"), expected: false},
	}
	for _, testCase := range testCases {
		if got := isUniqueViolation(testCase.err); got != testCase.expected {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
		}
	}
}

func TestStatementsCoverEveryCounter(test *testing.T) {
	test.Parallel()
	for _, workflow := range ledger.Workflows() {
		counter := workflow.Counter()
		decrement, ok := decrementStatements[counter]
		if !ok || !strings.Contains(decrement, "> 0") {
			test.Fatalf("%s: decrement statement must be conditional", counter)
		}
		if _, ok := incrementStatements[counter]; !ok {
			test.Fatalf("%s: missing increment statement", counter)
		}
	}
}

func TestSchemaDeclaresLedgerUniqueness(test *testing.T) {
	test.Parallel()
	if !strings.Contains(schemaSQL, "uniq_credit_ledger_generation_reason on credit_ledger (generation_id, reason)") {
		test.Fatalf("schema is missing the generation/reason unique index")
	}
}

func TestListStatementsUseKeysetOrdering(test *testing.T) {
	test.Parallel()
	for name, statement := range map[string]string{"ledger": sqlListLedgerEntries, "generations": sqlListGenerationsAfter} {
		if !strings.Contains(statement, "created_at = $2 and id") || !strings.Contains(statement, "order by created_at desc, id desc") {
			test.Fatalf("%s: list statement must page on (created_at, id)", name)
		}
	}
}

func TestJSONText(test *testing.T) {
	test.Parallel()
	if jsonText(nil) != "{}" || jsonText([]byte(`{"a":1}`)) != `{"a":1}` {
		test.Fatalf("unexpected json text conversion")
	}
}

func newIntegrationStore(test *testing.T) *Store {
	test.Helper()
	databaseURL := os.Getenv(envTestDatabaseURL)
	if databaseURL == "" {
		test.Skipf("%s not set", envTestDatabaseURL)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	test.Cleanup(pool.Close)
	store := New(pool)
	if err := store.Migrate(ctx); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func TestPostgresLedgerPagingKeepsSameInstantRows(test *testing.T) {
	store := newIntegrationStore(test)
	userID, err := ledger.NewUserID("pg-" + uuid.NewString())
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	ctx := context.Background()
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	for index := 0; index < 3; index++ {
		input, err := ledger.NewEntryInput(userID, ledger.WorkflowImageFromText, ledger.ReasonGenerationDebit, nil, createdAt)
		if err != nil {
			test.Fatalf("entry input: %v", err)
		}
		if _, err := store.InsertLedgerEntry(ctx, input); err != nil {
			test.Fatalf("insert entry: %v", err)
		}
	}
	seen := map[string]bool{}
	cursor := ledger.PageCursor{CreatedAt: createdAt.Add(time.Second)}
	for page := 0; page < 5; page++ {
		entries, err := store.ListLedgerEntries(ctx, userID, cursor, 1)
		if err != nil {
			test.Fatalf("list: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		seen[entries[0].EntryID.String()] = true
		cursor = ledger.CursorAfter(entries[0].CreatedAt, entries[0].EntryID.String())
	}
	if len(seen) != 3 {
		test.Fatalf("expected 3 entries across pages, got %d", len(seen))
	}
}

func TestPostgresReservationRoundTrip(test *testing.T) {
	store := newIntegrationStore(test)
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	userID, err := ledger.NewUserID("pg-" + uuid.NewString())
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	generationID, err := ledger.NewGenerationID(uuid.NewString())
	if err != nil {
		test.Fatalf("generation id: %v", err)
	}
	ctx := context.Background()

	result, err := service.Reserve(ctx, userID, ledger.WorkflowImageFromText, &generationID)
	if err != nil || !result.Success {
		test.Fatalf("reserve: %+v %v", result, err)
	}
	declined, err := service.Reserve(ctx, userID, ledger.WorkflowImageFromText, nil)
	if err != nil || declined.Success {
		test.Fatalf("expected declined reservation, got %+v %v", declined, err)
	}
	if _, err := service.Refund(ctx, userID, ledger.WorkflowImageFromText, &generationID); err != nil {
		test.Fatalf("refund: %v", err)
	}
	if _, err := service.Refund(ctx, userID, ledger.WorkflowImageFromText, &generationID); !errors.Is(err, ledger.ErrDuplicateRefund) {
		test.Fatalf("expected ErrDuplicateRefund, got %v", err)
	}
	reconciliation, err := service.Reconcile(ctx, userID)
	if err != nil || !reconciliation.Consistent() {
		test.Fatalf("reconcile: %+v %v", reconciliation, err)
	}
}

func TestPostgresGenerationLifecycle(test *testing.T) {
	store := newIntegrationStore(test)
	recorder, err := generation.NewRecorder(store, func() time.Time { return time.Now().UTC() })
	if err != nil {
		test.Fatalf("recorder: %v", err)
	}
	userID, err := ledger.NewUserID("pg-" + uuid.NewString())
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	generationID, err := ledger.NewGenerationID(uuid.NewString())
	if err != nil {
		test.Fatalf("generation id: %v", err)
	}
	ctx := context.Background()

	if _, err := recorder.Start(ctx, generationID, userID, ledger.WorkflowImageFromReference, []byte(`{"prompt":"mug"}`)); err != nil {
		test.Fatalf("start: %v", err)
	}
	succeeded, err := recorder.Succeed(ctx, generationID, generation.Outcome{ProviderRequestID: "req", ProviderModel: "model", OutputJSON: []byte(`{"images":1}`)})
	if err != nil || succeeded.Status != generation.StatusSucceeded {
		test.Fatalf("succeed: %+v %v", succeeded, err)
	}
	if _, err := recorder.Fail(ctx, generationID, generation.Failure{Code: "timeout"}); !errors.Is(err, generation.ErrGenerationClosed) {
		test.Fatalf("expected ErrGenerationClosed, got %v", err)
	}
}
