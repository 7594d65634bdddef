package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintFreeGrantKey = "idx_credit_batches_free_grant_key"
	defaultMetadataJSON    = "{}"
	pgUniqueViolationCode  = "23505"
	sqliteConstraintCode   = 19
	dialectPostgres        = "postgres"

	errorOperationStore = "store"
	errorSubjectUser    = "user"
	errorSubjectBalance = "balance"
	errorSubjectBatch   = "batch"
	errorSubjectEntry   = "entry"
	errorCodeAdjust     = "adjust"
	errorCodeCreate     = "create"
	errorCodeDelete     = "delete"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeLock       = "lock"
	errorCodeUpdate     = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// locked applies a row-level write lock where the dialect supports one.
// SQLite serializes writers on its own.
func (store *Store) locked(query *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == dialectPostgres {
		return query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

func (store *Store) LockUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	var row CreditUser
	err := store.locked(store.db.WithContext(ctx)).
		Where(CreditUser{UserID: userID.String()}).
		FirstOrCreate(&row).Error
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeLock, err)
	}
	return ledger.User{
		UserID:        row.UserID,
		CachedBalance: ledger.Credits(row.CachedBalance),
	}, nil
}

func (store *Store) CachedBalance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error) {
	var row CreditUser
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return ledger.Credits(row.CachedBalance), nil
}

func (store *Store) AdjustCachedBalance(ctx context.Context, userID ledger.UserID, delta ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditUser{}).
		Where("user_id = ?", userID.String()).
		Update("cached_balance", gorm.Expr("cached_balance + ?", delta.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, ledger.ErrUserNotFound)
	}
	return nil
}

func (store *Store) CreateBatch(ctx context.Context, batch ledger.Batch) (ledger.Batch, error) {
	model := CreditBatch{
		UserID:         batch.UserID,
		Amount:         batch.Amount.Int64(),
		Type:           batch.Type.String(),
		EffectiveAt:    time.Unix(batch.EffectiveAtUnixUTC, 0).UTC(),
		ExpiresAt:      time.Unix(batch.ExpiresAtUnixUTC, 0).UTC(),
		CurrentBalance: batch.CurrentBalance.Int64(),
		Metadata:       datatypesJSON(batch.MetadataJSON),
	}
	if batch.Type == ledger.BatchFree {
		freeKey := batch.UserID
		model.FreeGrantKey = &freeKey
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeDuplicate, ledger.ErrDuplicateFreeBatch)
	}
	if err != nil {
		return ledger.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeCreate, err)
	}
	return mapBatch(model), nil
}

func (store *Store) GetBatch(ctx context.Context, batchID string) (ledger.Batch, error) {
	var model CreditBatch
	err := store.locked(store.db.WithContext(ctx)).
		Where("batch_id = ?", batchID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, ledger.ErrBatchNotFound)
	}
	if err != nil {
		return ledger.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, err)
	}
	return mapBatch(model), nil
}

func (store *Store) EligibleBatches(ctx context.Context, userID ledger.UserID, nowUnixUTC int64) ([]ledger.Batch, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var rows []CreditBatch
	err := store.locked(store.db.WithContext(ctx)).
		Where("user_id = ? AND effective_at <= ? AND expires_at > ? AND current_balance > 0", userID.String(), at, at).
		Order("expires_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows), nil
}

func (store *Store) ExpiredBatches(ctx context.Context, userID ledger.UserID, nowUnixUTC int64) ([]ledger.Batch, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var rows []CreditBatch
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND expires_at < ? AND current_balance > 0", userID.String(), at).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows), nil
}

func (store *Store) ActivatableBatches(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]ledger.Batch, error) {
	from := time.Unix(fromUnixUTC, 0).UTC()
	to := time.Unix(toUnixUTC, 0).UTC()
	var rows []CreditBatch
	err := store.db.WithContext(ctx).
		Where("effective_at >= ? AND effective_at <= ? AND current_balance > 0", from, to).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapBatches(rows), nil
}

func (store *Store) UsersWithExpiredBatches(ctx context.Context, nowUnixUTC int64) ([]ledger.UserID, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Distinct("user_id").
		Where("expires_at < ? AND current_balance > 0", at).
		Pluck("user_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	users := make([]ledger.UserID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		userID, err := ledger.NewUserID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		users = append(users, userID)
	}
	return users, nil
}

func (store *Store) BatchHasEntries(ctx context.Context, batchID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditLedgerEntry{}).
		Where("batch_id = ?", batchID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return count > 0, nil
}

func (store *Store) SetBatchBalance(ctx context.Context, batchID string, balance ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ?", batchID).
		Update("current_balance", balance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, ledger.ErrBatchNotFound)
	}
	return nil
}

func (store *Store) MarkBatchExpired(ctx context.Context, batchID string, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ?", batchID).
		Updates(map[string]interface{}{
			"current_balance": 0,
			"expires_at":      time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, ledger.ErrBatchNotFound)
	}
	return nil
}

func (store *Store) RestoreBatchBalance(ctx context.Context, batchID string, delta ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ?", batchID).
		Update("current_balance", gorm.Expr("current_balance + ?", delta.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeUpdate, ledger.ErrBatchNotFound)
	}
	return nil
}

func (store *Store) FreeBatchExists(ctx context.Context, userID ledger.UserID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("user_id = ? AND type = ?", userID.String(), ledger.BatchFree.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return count > 0, nil
}

func (store *Store) DeleteFutureBatches(ctx context.Context, userID ledger.UserID, nowUnixUTC int64) (int64, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Where("user_id = ? AND effective_at > ?", userID.String(), at).
		Delete(&CreditBatch{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBatch, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.LedgerEntry) (ledger.LedgerEntry, error) {
	model := CreditLedgerEntry{
		BatchID:       entry.BatchID,
		UserID:        entry.UserID,
		Amount:        entry.Amount.Int64(),
		Cause:         entry.Cause,
		BalanceBefore: entry.BalanceBefore.Int64(),
		BalanceAfter:  entry.BalanceAfter.Int64(),
		Status:        entry.Status.String(),
		CorrelationID: entry.CorrelationID,
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return ledger.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapEntry(model)
}

func (store *Store) PendingEntriesByCorrelation(ctx context.Context, correlationID ledger.CorrelationID) ([]ledger.LedgerEntry, error) {
	var rows []CreditLedgerEntry
	err := store.locked(store.db.WithContext(ctx)).
		Where("correlation_id = ? AND status = ?", correlationID.String(), ledger.EntryPending.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID string, from ledger.EntryStatus, to ledger.EntryStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditLedgerEntry{}).
		Where("entry_id = ? AND status = ?", entryID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, ledger.ErrEntryStatusConflict)
	}
	return nil
}

func (store *Store) EntriesPage(ctx context.Context, userID ledger.UserID, take int, skip int, sinceUnixUTC int64) ([]ledger.LedgerEntry, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var rows []CreditLedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID.String(), since).
		Order("created_at DESC").
		Offset(skip).
		Limit(take).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapBatch(model CreditBatch) ledger.Batch {
	return ledger.Batch{
		BatchID:            model.BatchID,
		UserID:             model.UserID,
		Amount:             ledger.Credits(model.Amount),
		Type:               ledger.BatchType(model.Type),
		EffectiveAtUnixUTC: model.EffectiveAt.Unix(),
		ExpiresAtUnixUTC:   model.ExpiresAt.Unix(),
		CurrentBalance:     ledger.Credits(model.CurrentBalance),
		MetadataJSON:       string(model.Metadata),
		CreatedUnixUTC:     model.CreatedAt.Unix(),
	}
}

func mapBatches(rows []CreditBatch) []ledger.Batch {
	batches := make([]ledger.Batch, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, mapBatch(row))
	}
	return batches
}

func mapEntry(model CreditLedgerEntry) (ledger.LedgerEntry, error) {
	status, err := ledger.ParseEntryStatus(model.Status)
	if err != nil {
		return ledger.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return ledger.LedgerEntry{
		EntryID:        model.EntryID,
		BatchID:        model.BatchID,
		UserID:         model.UserID,
		Amount:         ledger.Credits(model.Amount),
		Cause:          model.Cause,
		BalanceBefore:  ledger.Credits(model.BalanceBefore),
		BalanceAfter:   ledger.Credits(model.BalanceAfter),
		Status:         status,
		CorrelationID:  model.CorrelationID,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapEntries(rows []CreditLedgerEntry) ([]ledger.LedgerEntry, error) {
	entries := make([]ledger.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
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
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintFreeGrantKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
