package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

// stubStore is an in-memory Store with snapshot rollback so transactional
// abort semantics are observable in tests.
type stubStore struct {
	users       map[string]User
	batches     map[string]Batch
	batchOrder  []string
	entries     []LedgerEntry
	nextBatchID int
	nextEntryID int

	insertEntryErr  error
	failBatchExpiry map[string]error
}

func newStubStore() *stubStore {
	return &stubStore{
		users:           make(map[string]User),
		batches:         make(map[string]Batch),
		failBatchExpiry: make(map[string]error),
	}
}

func (store *stubStore) snapshot() *stubStore {
	copied := newStubStore()
	for key, value := range store.users {
		copied.users[key] = value
	}
	for key, value := range store.batches {
		copied.batches[key] = value
	}
	copied.batchOrder = append([]string(nil), store.batchOrder...)
	copied.entries = append([]LedgerEntry(nil), store.entries...)
	copied.nextBatchID = store.nextBatchID
	copied.nextEntryID = store.nextEntryID
	return copied
}

func (store *stubStore) restore(from *stubStore) {
	store.users = from.users
	store.batches = from.batches
	store.batchOrder = from.batchOrder
	store.entries = from.entries
	store.nextBatchID = from.nextBatchID
	store.nextEntryID = from.nextEntryID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) LockUser(ctx context.Context, userID UserID) (User, error) {
	user, ok := store.users[userID.String()]
	if !ok {
		user = User{UserID: userID.String()}
		store.users[userID.String()] = user
	}
	return user, nil
}

func (store *stubStore) CachedBalance(ctx context.Context, userID UserID) (Credits, error) {
	return store.users[userID.String()].CachedBalance, nil
}

func (store *stubStore) AdjustCachedBalance(ctx context.Context, userID UserID, delta Credits) error {
	user, ok := store.users[userID.String()]
	if !ok {
		return ErrUserNotFound
	}
	user.CachedBalance += delta
	store.users[userID.String()] = user
	return nil
}

func (store *stubStore) CreateBatch(ctx context.Context, batch Batch) (Batch, error) {
	store.nextBatchID++
	batch.BatchID = fmt.Sprintf("batch-%d", store.nextBatchID)
	store.batches[batch.BatchID] = batch
	store.batchOrder = append(store.batchOrder, batch.BatchID)
	return batch, nil
}

func (store *stubStore) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	batch, ok := store.batches[batchID]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return batch, nil
}

func (store *stubStore) EligibleBatches(ctx context.Context, userID UserID, nowUnixUTC int64) ([]Batch, error) {
	var eligible []Batch
	for _, batchID := range store.batchOrder {
		batch := store.batches[batchID]
		if batch.UserID != userID.String() {
			continue
		}
		if batch.EffectiveAtUnixUTC <= nowUnixUTC && nowUnixUTC < batch.ExpiresAtUnixUTC && batch.CurrentBalance > 0 {
			eligible = append(eligible, batch)
		}
	}
	sort.SliceStable(eligible, func(left, right int) bool {
		return eligible[left].ExpiresAtUnixUTC < eligible[right].ExpiresAtUnixUTC
	})
	return eligible, nil
}

func (store *stubStore) ExpiredBatches(ctx context.Context, userID UserID, nowUnixUTC int64) ([]Batch, error) {
	var expired []Batch
	for _, batchID := range store.batchOrder {
		batch := store.batches[batchID]
		if batch.UserID == userID.String() && batch.ExpiresAtUnixUTC < nowUnixUTC && batch.CurrentBalance > 0 {
			expired = append(expired, batch)
		}
	}
	return expired, nil
}

func (store *stubStore) ActivatableBatches(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]Batch, error) {
	var due []Batch
	for _, batchID := range store.batchOrder {
		batch := store.batches[batchID]
		if batch.EffectiveAtUnixUTC >= fromUnixUTC && batch.EffectiveAtUnixUTC <= toUnixUTC && batch.CurrentBalance > 0 {
			due = append(due, batch)
		}
	}
	return due, nil
}

func (store *stubStore) UsersWithExpiredBatches(ctx context.Context, nowUnixUTC int64) ([]UserID, error) {
	seen := make(map[string]struct{})
	var users []UserID
	for _, batchID := range store.batchOrder {
		batch := store.batches[batchID]
		if batch.ExpiresAtUnixUTC >= nowUnixUTC || batch.CurrentBalance <= 0 {
			continue
		}
		if _, ok := seen[batch.UserID]; ok {
			continue
		}
		seen[batch.UserID] = struct{}{}
		userID, err := NewUserID(batch.UserID)
		if err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, nil
}

func (store *stubStore) BatchHasEntries(ctx context.Context, batchID string) (bool, error) {
	for _, entry := range store.entries {
		if entry.BatchID == batchID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) SetBatchBalance(ctx context.Context, batchID string, balance Credits) error {
	batch, ok := store.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	batch.CurrentBalance = balance
	store.batches[batchID] = batch
	return nil
}

func (store *stubStore) MarkBatchExpired(ctx context.Context, batchID string, nowUnixUTC int64) error {
	if err := store.failBatchExpiry[batchID]; err != nil {
		return err
	}
	batch, ok := store.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	batch.CurrentBalance = 0
	batch.ExpiresAtUnixUTC = nowUnixUTC
	store.batches[batchID] = batch
	return nil
}

func (store *stubStore) RestoreBatchBalance(ctx context.Context, batchID string, delta Credits) error {
	batch, ok := store.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	batch.CurrentBalance += delta
	store.batches[batchID] = batch
	return nil
}

func (store *stubStore) FreeBatchExists(ctx context.Context, userID UserID) (bool, error) {
	for _, batchID := range store.batchOrder {
		batch := store.batches[batchID]
		if batch.UserID == userID.String() && batch.Type == BatchFree {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) DeleteFutureBatches(ctx context.Context, userID UserID, nowUnixUTC int64) (int64, error) {
	var kept []string
	var removed int64
	for _, batchID := range store.batchOrder {
		batch := store.batches[batchID]
		if batch.UserID == userID.String() && batch.EffectiveAtUnixUTC > nowUnixUTC {
			delete(store.batches, batchID)
			removed++
			continue
		}
		kept = append(kept, batchID)
	}
	store.batchOrder = kept
	return removed, nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if store.insertEntryErr != nil {
		return LedgerEntry{}, store.insertEntryErr
	}
	store.nextEntryID++
	entry.EntryID = fmt.Sprintf("entry-%d", store.nextEntryID)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) PendingEntriesByCorrelation(ctx context.Context, correlationID CorrelationID) ([]LedgerEntry, error) {
	var pending []LedgerEntry
	for _, entry := range store.entries {
		if entry.CorrelationID == correlationID.String() && entry.Status == EntryPending {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

func (store *stubStore) UpdateEntryStatus(ctx context.Context, entryID string, from EntryStatus, to EntryStatus) error {
	for index, entry := range store.entries {
		if entry.EntryID != entryID {
			continue
		}
		if entry.Status != from {
			return ErrEntryStatusConflict
		}
		store.entries[index].Status = to
		return nil
	}
	return ErrEntryStatusConflict
}

func (store *stubStore) EntriesPage(ctx context.Context, userID UserID, take int, skip int, sinceUnixUTC int64) ([]LedgerEntry, error) {
	var matched []LedgerEntry
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.UserID == userID.String() && entry.CreatedUnixUTC >= sinceUnixUTC {
			matched = append(matched, entry)
		}
	}
	if skip >= len(matched) {
		return nil, nil
	}
	matched = matched[skip:]
	if take < len(matched) {
		matched = matched[:take]
	}
	return matched, nil
}

func (store *stubStore) entriesForBatch(batchID string) []LedgerEntry {
	var matched []LedgerEntry
	for _, entry := range store.entries {
		if entry.BatchID == batchID {
			matched = append(matched, entry)
		}
	}
	return matched
}

// assertBalanceInvariant checks that the cached balance equals the summed
// balance of every batch that has been recognized by a ledger entry.
func assertBalanceInvariant(test *testing.T, store *stubStore, userID UserID) {
	test.Helper()
	var sum Credits
	for _, batchID := range store.batchOrder {
		batch := store.batches[batchID]
		if batch.UserID != userID.String() {
			continue
		}
		if len(store.entriesForBatch(batchID)) == 0 {
			continue
		}
		sum += batch.CurrentBalance
	}
	cached := store.users[userID.String()].CachedBalance
	if cached != sum {
		test.Fatalf("cached balance %d diverged from batch sum %d", cached, sum)
	}
}

func assertEntryDeltas(test *testing.T, store *stubStore) {
	test.Helper()
	for _, entry := range store.entries {
		if entry.BalanceAfter-entry.BalanceBefore != entry.Amount {
			test.Fatalf("entry %s breaks delta invariant: before=%d after=%d amount=%d",
				entry.EntryID, entry.BalanceBefore, entry.BalanceAfter, entry.Amount)
		}
	}
}

type fakeClock struct {
	nowUnixUTC int64
}

func (clock *fakeClock) now() int64 {
	return clock.nowUnixUTC
}

func (clock *fakeClock) advanceDays(days int64) {
	clock.nowUnixUTC += days * secondsPerDay
}

func newTestService(test *testing.T, store Store, clock *fakeClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.now, options...)
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

func mustCorrelationID(test *testing.T, raw string) CorrelationID {
	test.Helper()
	value, err := NewCorrelationID(raw)
	if err != nil {
		test.Fatalf("correlation id: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}
