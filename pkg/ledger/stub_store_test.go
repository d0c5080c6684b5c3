package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type stubState struct {
	profiles  map[UserID]Profile
	entries   []LedgerEntry
	nextEntry int
}

func (state *stubState) clone() *stubState {
	profiles := make(map[UserID]Profile, len(state.profiles))
	for userID, profile := range state.profiles {
		profiles[userID] = profile
	}
	return &stubState{
		profiles:  profiles,
		entries:   append([]LedgerEntry(nil), state.entries...),
		nextEntry: state.nextEntry,
	}
}

// stubStore is an in-memory Store. WithTx holds the mutex for the whole
// callback and restores the snapshot when the callback fails.
type stubStore struct {
	mutex *sync.Mutex
	state *stubState
	inTx  bool

	insertEntryErr error
	decrementErr   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mutex: &sync.Mutex{},
		state: &stubState{profiles: map[UserID]Profile{}},
	}
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.state.clone()
	txStore := *store
	txStore.inTx = true
	if err := fn(ctx, &txStore); err != nil {
		*store.state = *snapshot
		return err
	}
	return nil
}

func (store *stubStore) GetProfile(ctx context.Context, userID UserID) (Profile, error) {
	defer store.lock()()
	profile, ok := store.state.profiles[userID]
	if !ok {
		return Profile{}, ErrUnknownProfile
	}
	return profile, nil
}

func (store *stubStore) InsertProfile(ctx context.Context, input ProfileInput) (Profile, error) {
	defer store.lock()()
	if _, exists := store.state.profiles[input.UserID()]; exists {
		return Profile{}, ErrProfileExists
	}
	profile := Profile{
		UserID:      input.UserID(),
		AccountType: input.AccountType(),
		Balance:     input.Balance(),
		CreatedAt:   input.CreatedAt(),
		UpdatedAt:   input.CreatedAt(),
	}
	store.state.profiles[input.UserID()] = profile
	return profile, nil
}

func (store *stubStore) DecrementCredit(ctx context.Context, userID UserID, counter Counter, at time.Time) (Balance, bool, error) {
	defer store.lock()()
	if store.decrementErr != nil {
		return Balance{}, false, store.decrementErr
	}
	profile, ok := store.state.profiles[userID]
	if !ok || profile.Balance.Of(counter) <= 0 {
		return Balance{}, false, nil
	}
	profile.Balance = profile.Balance.Add(counter, -1)
	profile.UpdatedAt = at
	store.state.profiles[userID] = profile
	return profile.Balance, true, nil
}

func (store *stubStore) IncrementCredit(ctx context.Context, userID UserID, counter Counter, at time.Time) (Balance, error) {
	defer store.lock()()
	profile, ok := store.state.profiles[userID]
	if !ok {
		return Balance{}, ErrUnknownProfile
	}
	profile.Balance = profile.Balance.Add(counter, 1)
	profile.UpdatedAt = at
	store.state.profiles[userID] = profile
	return profile.Balance, nil
}

func (store *stubStore) InsertLedgerEntry(ctx context.Context, input EntryInput) (LedgerEntry, error) {
	defer store.lock()()
	if store.insertEntryErr != nil {
		return LedgerEntry{}, store.insertEntryErr
	}
	var generationID *GenerationID
	if value, ok := input.GenerationID(); ok {
		for _, existing := range store.state.entries {
			if existing.GenerationID != nil && *existing.GenerationID == value && existing.Reason == input.Reason() {
				return LedgerEntry{}, ErrDuplicateLedgerEntry
			}
		}
		generationID = &value
	}
	store.state.nextEntry++
	entryID, err := NewEntryID(fmt.Sprintf("entry-%d", store.state.nextEntry))
	if err != nil {
		return LedgerEntry{}, err
	}
	entry := LedgerEntry{
		EntryID:      entryID,
		UserID:       input.UserID(),
		Workflow:     input.Workflow(),
		Delta:        input.Delta(),
		Reason:       input.Reason(),
		GenerationID: generationID,
		CreatedAt:    input.CreatedAt(),
	}
	store.state.entries = append(store.state.entries, entry)
	return entry, nil
}

func (store *stubStore) FindGenerationEntry(ctx context.Context, generationID GenerationID, reason LedgerReason) (LedgerEntry, bool, error) {
	defer store.lock()()
	for _, entry := range store.state.entries {
		if entry.GenerationID != nil && *entry.GenerationID == generationID && entry.Reason == reason {
			return entry, true, nil
		}
	}
	return LedgerEntry{}, false, nil
}

func (store *stubStore) ListLedgerEntries(ctx context.Context, userID UserID, cursor PageCursor, limit int) ([]LedgerEntry, error) {
	defer store.lock()()
	var entries []LedgerEntry
	for _, entry := range store.state.entries {
		if entry.UserID == userID && cursor.Precedes(entry.CreatedAt, entry.EntryID.String()) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		if !entries[left].CreatedAt.Equal(entries[right].CreatedAt) {
			return entries[left].CreatedAt.After(entries[right].CreatedAt)
		}
		return entries[left].EntryID.String() > entries[right].EntryID.String()
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *stubStore) SumLedgerDeltas(ctx context.Context, userID UserID) (map[Workflow]int64, error) {
	defer store.lock()()
	sums := map[Workflow]int64{}
	for _, entry := range store.state.entries {
		if entry.UserID == userID {
			sums[entry.Workflow] += entry.Delta
		}
	}
	return sums, nil
}

func (store *stubStore) profile(test *testing.T, userID UserID) Profile {
	test.Helper()
	defer store.lock()()
	profile, ok := store.state.profiles[userID]
	if !ok {
		test.Fatalf("profile %s not found", userID.String())
	}
	return profile
}

func (store *stubStore) entriesFor(userID UserID) []LedgerEntry {
	defer store.lock()()
	var entries []LedgerEntry
	for _, entry := range store.state.entries {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (store *stubStore) setBalance(test *testing.T, userID UserID, balance Balance) {
	test.Helper()
	defer store.lock()()
	profile, ok := store.state.profiles[userID]
	if !ok {
		test.Fatalf("profile %s not found", userID.String())
	}
	profile.Balance = balance
	store.state.profiles[userID] = profile
}

// failingStore fails every call after WithTx.
type failingStore struct {
	Store
	err error
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *failingStore) GetProfile(ctx context.Context, userID UserID) (Profile, error) {
	return Profile{}, store.err
}

func (store *failingStore) DecrementCredit(ctx context.Context, userID UserID, counter Counter, at time.Time) (Balance, bool, error) {
	return Balance{}, false, store.err
}

// racingStore simulates losing the profile creation race: the first read
// misses, the insert conflicts, and later reads return whatever the winner
// wrote (or nothing when winner is nil).
type racingStore struct {
	*stubStore
	winner *Profile
	reads  int
}

func (store *racingStore) GetProfile(ctx context.Context, userID UserID) (Profile, error) {
	store.reads++
	if store.reads == 1 || store.winner == nil {
		return Profile{}, ErrUnknownProfile
	}
	return *store.winner, nil
}

func (store *racingStore) InsertProfile(ctx context.Context, input ProfileInput) (Profile, error) {
	return Profile{}, ErrProfileExists
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustGenerationID(test *testing.T, raw string) *GenerationID {
	test.Helper()
	value, err := NewGenerationID(raw)
	if err != nil {
		test.Fatalf("generation id: %v", err)
	}
	return &value
}
