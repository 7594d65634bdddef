package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is an integer credit amount; negative values are consumption.
type Credits int64

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with flipped sign.
func (amount Credits) Negated() Credits {
	return -amount
}

// PositiveCredits is a validated, strictly positive credit amount.
type PositiveCredits struct {
	value int64
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return PositiveCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits{value: raw}, nil
}

// Credits returns the amount as a signed value.
func (amount PositiveCredits) Credits() Credits {
	return Credits(amount.value)
}

// UserID identifies a credit account owner.
type UserID struct {
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

// CorrelationID groups the ledger entries written by one allocation call.
type CorrelationID struct {
	value string
}

// NewCorrelationID validates and normalizes a correlation id.
func NewCorrelationID(raw string) (CorrelationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CorrelationID{}, fmt.Errorf("%w: empty value", ErrInvalidCorrelationID)
	}
	return CorrelationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id CorrelationID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary issuance metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// BatchType enumerates funding sources for a credit batch.
type BatchType string

const (
	BatchSubscription BatchType = "subscription"
	BatchAdditional   BatchType = "additional"
	BatchFree         BatchType = "free"
)

// ParseBatchType validates a raw batch type.
func ParseBatchType(raw string) (BatchType, error) {
	switch BatchType(raw) {
	case BatchSubscription, BatchAdditional, BatchFree:
		return BatchType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBatchType, raw)
}

// String returns the raw batch type.
func (batchType BatchType) String() string {
	return string(batchType)
}

// EntryStatus defines the ledger entry lifecycle.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryRefunded  EntryStatus = "refunded"
)

// ParseEntryStatus validates a raw entry status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(raw) {
	case EntryPending, EntryCompleted, EntryRefunded:
		return EntryStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// String returns the raw status.
func (status EntryStatus) String() string {
	return string(status)
}

// Batch is one funding grant with its own effective/expiry window.
// CurrentBalance stays within [0, Amount] for the batch's whole life.
type Batch struct {
	BatchID            string
	UserID             string
	Amount             Credits
	Type               BatchType
	EffectiveAtUnixUTC int64
	ExpiresAtUnixUTC   int64
	CurrentBalance     Credits
	MetadataJSON       string
	CreatedUnixUTC     int64
}

// NeverExpires reports whether the batch carries the far-future sentinel.
func (batch Batch) NeverExpires() bool {
	return batch.ExpiresAtUnixUTC >= neverExpiresUnixUTC
}

// LedgerEntry is a single signed balance movement tied to a batch.
// BalanceBefore and BalanceAfter are the user's totals, not the batch's.
// Immutable except for the pending -> completed/refunded transition.
type LedgerEntry struct {
	EntryID        string
	BatchID        string
	UserID         string
	Amount         Credits
	Cause          string
	BalanceBefore  Credits
	BalanceAfter   Credits
	Status         EntryStatus
	CorrelationID  string
	CreatedUnixUTC int64
}

// User carries the denormalized balance cache.
type User struct {
	UserID        string
	CachedBalance Credits
}

// HistoryEntry is the display projection of a ledger entry.
type HistoryEntry struct {
	EntryID        string
	Amount         Credits
	Cause          string
	Status         EntryStatus
	BalanceAfter   Credits
	CorrelationID  string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Implementations must
// provide rollback-on-error transactions via WithTx and must serialize
// concurrent mutators of the same rows (row locks on eligible stores).
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockUser(ctx context.Context, userID UserID) (User, error)
	CachedBalance(ctx context.Context, userID UserID) (Credits, error)
	AdjustCachedBalance(ctx context.Context, userID UserID, delta Credits) error
	CreateBatch(ctx context.Context, batch Batch) (Batch, error)
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	EligibleBatches(ctx context.Context, userID UserID, nowUnixUTC int64) ([]Batch, error)
	ExpiredBatches(ctx context.Context, userID UserID, nowUnixUTC int64) ([]Batch, error)
	ActivatableBatches(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]Batch, error)
	UsersWithExpiredBatches(ctx context.Context, nowUnixUTC int64) ([]UserID, error)
	BatchHasEntries(ctx context.Context, batchID string) (bool, error)
	SetBatchBalance(ctx context.Context, batchID string, balance Credits) error
	MarkBatchExpired(ctx context.Context, batchID string, nowUnixUTC int64) error
	RestoreBatchBalance(ctx context.Context, batchID string, delta Credits) error
	FreeBatchExists(ctx context.Context, userID UserID) (bool, error)
	DeleteFutureBatches(ctx context.Context, userID UserID, nowUnixUTC int64) (int64, error)
	InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	PendingEntriesByCorrelation(ctx context.Context, correlationID CorrelationID) ([]LedgerEntry, error)
	UpdateEntryStatus(ctx context.Context, entryID string, from EntryStatus, to EntryStatus) error
	EntriesPage(ctx context.Context, userID UserID, take int, skip int, sinceUnixUTC int64) ([]LedgerEntry, error)
}
