package workflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/internal/database"
	"github.com/MarkoPoloResearchLab/addreams/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/addreams/pkg/generation"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
)

const textBody = `{"prompt":"a red mug on marble","aspectRatio":"4:3"}`

type stubProvider struct {
	mu        sync.Mutex
	supported map[ledger.Workflow]bool
	response  Response
	err       error
	requests  []Request
}

func (provider *stubProvider) Supports(workflow ledger.Workflow) bool {
	return provider.supported[workflow]
}

func (provider *stubProvider) Generate(ctx context.Context, request Request) (Response, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.requests = append(provider.requests, request)
	return provider.response, provider.err
}

func (provider *stubProvider) calls() int {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return len(provider.requests)
}

func newImageProvider() *stubProvider {
	return &stubProvider{
		supported: map[ledger.Workflow]bool{
			ledger.WorkflowImageFromText:      true,
			ledger.WorkflowImageFromReference: true,
		},
		response: Response{
			RequestID: "req-1",
			Model:     "image-model",
			Images:    []Image{{MIMEType: "image/png", Data: pngBytes}},
		},
	}
}

type harness struct {
	store    *gormstore.Store
	service  *ledger.Service
	recorder *generation.Recorder
}

func newHarness(test *testing.T) harness {
	test.Helper()
	handle, err := database.Open(context.Background(), filepath.Join(test.TempDir(), "workflow.db"))
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	test.Cleanup(func() { _ = handle.Close() })
	store := gormstore.New(handle.DB)
	if err := store.Migrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return time.Now().UTC() }
	service, err := ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	recorder, err := generation.NewRecorder(store, clock)
	if err != nil {
		test.Fatalf("recorder: %v", err)
	}
	return harness{store: store, service: service, recorder: recorder}
}

func mustOrchestrator(test *testing.T, credits CreditLedger, recorder GenerationRecorder, provider Provider, options ...OrchestratorOption) *Orchestrator {
	test.Helper()
	orchestrator, err := NewOrchestrator(credits, recorder, provider, options...)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	return orchestrator
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	next := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("%s-%d", prefix, next)
	}
}

func TestRunSucceedsAndDebitsOnce(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	provider := newImageProvider()
	orchestrator := mustOrchestrator(test, env.service, env.recorder, provider, WithIDGenerator(sequentialIDs("gen")))
	userID := mustUserID(test, "user-success")
	ctx := context.Background()

	result, err := orchestrator.Run(ctx, userID, ledger.AccountTypePaid, ledger.WorkflowImageFromText, []byte(textBody))
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if result.Generation.Status != generation.StatusSucceeded || result.Generation.ID.String() != "gen-1" {
		test.Fatalf("unexpected generation %+v", result.Generation)
	}
	if result.Generation.ProviderRequestID != "req-1" || result.Generation.ProviderModel != "image-model" {
		test.Fatalf("provider metadata not recorded: %+v", result.Generation)
	}
	if result.Balance.ProductShoots != 9 || result.Balance.AdGraphics != 10 {
		test.Fatalf("unexpected balance %+v", result.Balance)
	}
	if len(result.Images) != 1 {
		test.Fatalf("expected one image, got %d", len(result.Images))
	}
	if provider.requests[0].Payload.AspectRatio != "4:3" {
		test.Fatalf("payload not forwarded: %+v", provider.requests[0].Payload)
	}

	var recordedInput map[string]any
	if err := json.Unmarshal(result.Generation.InputJSON, &recordedInput); err != nil || recordedInput["prompt"] != "a red mug on marble" {
		test.Fatalf("unexpected input json %s (%v)", result.Generation.InputJSON, err)
	}
	entries, err := env.service.ListEntries(ctx, userID, ledger.PageCursor{}, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != ledger.ReasonGenerationDebit || entries[0].GenerationID == nil || entries[0].GenerationID.String() != "gen-1" {
		test.Fatalf("unexpected ledger entries %+v", entries)
	}
}

func TestRunRefundsOnProviderFailure(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	provider := newImageProvider()
	provider.err = ProviderFailure{Code: FailureContentBlocked, Message: "blocked by safety filter", RequestID: "req-9"}
	orchestrator := mustOrchestrator(test, env.service, env.recorder, provider, WithIDGenerator(sequentialIDs("gen")))
	userID := mustUserID(test, "user-failure")
	ctx := context.Background()
	body := `{"prompt":"poster","referenceImage":{"mimeType":"image/png","data":"` + base64.StdEncoding.EncodeToString(pngBytes) + `"}}`

	_, err := orchestrator.Run(ctx, userID, ledger.AccountTypeFree, ledger.WorkflowImageFromReference, []byte(body))
	if !errors.Is(err, ErrGenerationFailed) {
		test.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	var failed GenerationFailedError
	if !errors.As(err, &failed) {
		test.Fatalf("expected GenerationFailedError, got %T", err)
	}
	if failed.RefundErr != nil || failed.RecordErr != nil {
		test.Fatalf("unexpected cleanup errors %+v", failed)
	}
	if failed.Generation.Status != generation.StatusFailed || failed.Generation.ErrorCode != "content_blocked" || failed.Generation.ProviderRequestID != "req-9" {
		test.Fatalf("unexpected failed generation %+v", failed.Generation)
	}
	if failed.Balance.AdGraphics != 1 {
		test.Fatalf("expected refunded balance of 1, got %+v", failed.Balance)
	}

	reconciliation, err := env.service.Reconcile(ctx, userID)
	if err != nil || !reconciliation.Consistent() {
		test.Fatalf("ledger does not reconcile: %+v %v", reconciliation, err)
	}
	entries, err := env.service.ListEntries(ctx, userID, ledger.PageCursor{}, 10)
	if err != nil || len(entries) != 2 {
		test.Fatalf("expected debit and refund entries, got %+v %v", entries, err)
	}
}

func TestRunClassifiesEmptyOutput(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	provider := newImageProvider()
	provider.response = Response{RequestID: "req-empty", Model: "image-model"}
	orchestrator := mustOrchestrator(test, env.service, env.recorder, provider)

	_, err := orchestrator.Run(context.Background(), mustUserID(test, "user-empty"), ledger.AccountTypeFree, ledger.WorkflowImageFromText, []byte(textBody))
	var failed GenerationFailedError
	if !errors.As(err, &failed) || failed.Failure.Code != FailureEmptyOutput {
		test.Fatalf("expected empty_output failure, got %v", err)
	}
	if failed.Balance.ProductShoots != 1 {
		test.Fatalf("expected credit to be refunded, got %+v", failed.Balance)
	}
}

func TestRunDeclinesWhenCreditsExhausted(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	provider := newImageProvider()
	orchestrator := mustOrchestrator(test, env.service, env.recorder, provider)
	userID := mustUserID(test, "user-free")
	ctx := context.Background()

	if _, err := orchestrator.Run(ctx, userID, ledger.AccountTypeFree, ledger.WorkflowImageFromText, []byte(textBody)); err != nil {
		test.Fatalf("first run: %v", err)
	}
	_, err := orchestrator.Run(ctx, userID, ledger.AccountTypeFree, ledger.WorkflowImageFromText, []byte(textBody))
	var exhausted CreditsExhaustedError
	if !errors.As(err, &exhausted) || !errors.Is(err, ErrCreditsExhausted) {
		test.Fatalf("expected CreditsExhaustedError, got %v", err)
	}
	if exhausted.Balance.ProductShoots != 0 || exhausted.Balance.AdGraphics != 1 {
		test.Fatalf("unexpected balance %+v", exhausted.Balance)
	}
	if provider.calls() != 1 {
		test.Fatalf("provider must not be called on a declined reservation, got %d calls", provider.calls())
	}
	generations, err := env.recorder.List(ctx, userID, ledger.PageCursor{}, 10)
	if err != nil || len(generations) != 1 {
		test.Fatalf("declined run must not record a generation: %+v %v", generations, err)
	}
}

func TestRunRejectsBeforeDebiting(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	provider := newImageProvider()
	orchestrator := mustOrchestrator(test, env.service, env.recorder, provider)
	userID := mustUserID(test, "user-reject")
	ctx := context.Background()

	if _, err := orchestrator.Run(ctx, userID, ledger.AccountTypeFree, ledger.WorkflowVideoFromReference, []byte(`{"prompt":"x","referenceImage":{"mimeType":"image/png","data":"iVBORw0KGgo="}}`)); !errors.Is(err, ErrWorkflowUnavailable) {
		test.Fatalf("expected ErrWorkflowUnavailable, got %v", err)
	}
	if _, err := orchestrator.Run(ctx, userID, ledger.AccountTypeFree, ledger.WorkflowImageFromText, []byte(`{"prompt":""}`)); !errors.Is(err, ErrInvalidPayload) {
		test.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := env.store.GetProfile(ctx, userID); !errors.Is(err, ledger.ErrUnknownProfile) {
		test.Fatalf("rejected runs must not create a profile, got %v", err)
	}
}

func TestRunConcurrentCallersNeverOverspend(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	provider := newImageProvider()
	orchestrator := mustOrchestrator(test, env.service, env.recorder, provider, WithIDGenerator(sequentialIDs("race")))
	userID := mustUserID(test, "user-race")
	ctx := context.Background()
	if _, err := env.service.EnsureProfile(ctx, userID, ledger.AccountTypeFree); err != nil {
		test.Fatalf("ensure profile: %v", err)
	}

	const callers = 4
	var waitGroup sync.WaitGroup
	results := make(chan error, callers)
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := orchestrator.Run(ctx, userID, ledger.AccountTypeFree, ledger.WorkflowImageFromText, []byte(textBody))
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrCreditsExhausted):
		default:
			test.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		test.Fatalf("expected exactly one successful run, got %d", succeeded)
	}
}

type stubCredits struct {
	refundErr error
	refunds   int
}

func (credits *stubCredits) EnsureProfile(ctx context.Context, userID ledger.UserID, accountType ledger.AccountType) (ledger.Profile, error) {
	return ledger.Profile{UserID: userID, AccountType: accountType}, nil
}

func (credits *stubCredits) Reserve(ctx context.Context, userID ledger.UserID, workflow ledger.Workflow, generationID *ledger.GenerationID) (ledger.ReserveResult, error) {
	return ledger.ReserveResult{Success: true, Balance: ledger.Balance{ProductShoots: 4}}, nil
}

func (credits *stubCredits) Refund(ctx context.Context, userID ledger.UserID, workflow ledger.Workflow, generationID *ledger.GenerationID) (ledger.Balance, error) {
	credits.refunds++
	return ledger.Balance{}, credits.refundErr
}

type stubRecorder struct {
	startErr error
	failErr  error
	failures []generation.Failure
}

func (recorder *stubRecorder) Start(ctx context.Context, id ledger.GenerationID, userID ledger.UserID, workflow ledger.Workflow, inputJSON json.RawMessage) (generation.Generation, error) {
	if recorder.startErr != nil {
		return generation.Generation{}, recorder.startErr
	}
	return generation.Generation{ID: id, UserID: userID, Workflow: workflow, Status: generation.StatusPending}, nil
}

func (recorder *stubRecorder) Succeed(ctx context.Context, id ledger.GenerationID, outcome generation.Outcome) (generation.Generation, error) {
	return generation.Generation{ID: id, Status: generation.StatusSucceeded}, nil
}

func (recorder *stubRecorder) Fail(ctx context.Context, id ledger.GenerationID, failure generation.Failure) (generation.Generation, error) {
	recorder.failures = append(recorder.failures, failure)
	if recorder.failErr != nil {
		return generation.Generation{}, recorder.failErr
	}
	return generation.Generation{ID: id, Status: generation.StatusFailed, ErrorCode: failure.Code}, nil
}

func TestRunJoinsRefundFailure(test *testing.T) {
	test.Parallel()
	refundErr := errors.New("store.credit.increment_failed: disk full")
	credits := &stubCredits{refundErr: refundErr}
	recorder := &stubRecorder{}
	provider := newImageProvider()
	provider.err = fmt.Errorf("upstream: %w", context.DeadlineExceeded)
	orchestrator := mustOrchestrator(test, credits, recorder, provider)

	_, err := orchestrator.Run(context.Background(), mustUserID(test, "user-1"), ledger.AccountTypeFree, ledger.WorkflowImageFromText, []byte(textBody))
	if !errors.Is(err, refundErr) || !errors.Is(err, ErrGenerationFailed) || !errors.Is(err, context.DeadlineExceeded) {
		test.Fatalf("expected joined provider and refund errors, got %v", err)
	}
	if credits.refunds != 1 {
		test.Fatalf("expected exactly one refund attempt, got %d", credits.refunds)
	}
	if len(recorder.failures) != 1 || recorder.failures[0].Code != "timeout" {
		test.Fatalf("unexpected recorded failures %+v", recorder.failures)
	}
}

func TestRunRefundsWhenRecordCannotStart(test *testing.T) {
	test.Parallel()
	startErr := errors.New("store.generation.insert_failed: locked")
	credits := &stubCredits{}
	provider := newImageProvider()
	orchestrator := mustOrchestrator(test, credits, &stubRecorder{startErr: startErr}, provider)

	_, err := orchestrator.Run(context.Background(), mustUserID(test, "user-1"), ledger.AccountTypeFree, ledger.WorkflowImageFromText, []byte(textBody))
	if !errors.Is(err, startErr) {
		test.Fatalf("expected start error, got %v", err)
	}
	if credits.refunds != 1 || provider.calls() != 0 {
		test.Fatalf("expected refund without provider call, got refunds=%d calls=%d", credits.refunds, provider.calls())
	}
}

func TestNewOrchestratorValidatesDependencies(test *testing.T) {
	test.Parallel()
	provider := newImageProvider()
	testCases := []struct {
		name     string
		credits  CreditLedger
		recorder GenerationRecorder
		provider Provider
	}{
		{name: "nil_credits", credits: nil, recorder: &stubRecorder{}, provider: provider},
		{name: "nil_recorder", credits: &stubCredits{}, recorder: nil, provider: provider},
		{name: "nil_provider", credits: &stubCredits{}, recorder: &stubRecorder{}, provider: nil},
	}
	for _, testCase := range testCases {
		if _, err := NewOrchestrator(testCase.credits, testCase.recorder, testCase.provider); !errors.Is(err, ErrInvalidOrchestratorConfig) {
			test.Fatalf("%s: expected ErrInvalidOrchestratorConfig, got %v", testCase.name, err)
		}
	}
}
