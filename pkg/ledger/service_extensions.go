package ledger

import (
	"context"
	"time"
)

// ListEntries lists ledger entries for a user after the cursor, newest first.
// A zero cursor starts at now; a non-positive limit falls back to the default page size.
func (service *Service) ListEntries(requestContext context.Context, userID UserID, cursor PageCursor, limit int) ([]LedgerEntry, error) {
	if _, _, err := service.ensureProfile(requestContext, userID, service.defaultAccountType); err != nil {
		return nil, err
	}
	if cursor.IsZero() {
		cursor = PageCursor{CreatedAt: service.nowFn().UTC().Add(time.Second)}
	}
	return service.store.ListLedgerEntries(requestContext, userID, cursor, normalizeListLimit(limit))
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// Reconcile compares each counter against its plan grant plus the ledger history.
// The grant is taken from the current plan configuration, so a changed grant shows
// up as drift for profiles created under the old one.
func (service *Service) Reconcile(requestContext context.Context, userID UserID) (Reconciliation, error) {
	profile, _, err := service.ensureProfile(requestContext, userID, service.defaultAccountType)
	if err != nil {
		return Reconciliation{}, err
	}
	sums, err := service.store.SumLedgerDeltas(requestContext, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	var ledgerSums Balance
	for workflow, sum := range sums {
		ledgerSums = ledgerSums.Add(workflow.Counter(), sum)
	}
	granted := service.grants.For(profile.AccountType)
	reconciliation := Reconciliation{UserID: userID}
	for _, counter := range []Counter{CounterProductShoots, CounterAdGraphics} {
		reconciliation.Counters = append(reconciliation.Counters, CounterReconciliation{
			Counter:   counter,
			Granted:   granted.Of(counter),
			LedgerSum: ledgerSums.Of(counter),
			Current:   profile.Balance.Of(counter),
		})
	}
	return reconciliation, nil
}
