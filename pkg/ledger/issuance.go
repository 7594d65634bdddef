package ledger

import (
	"context"
	"fmt"
)

// IssueCredits creates a funding batch. A batch that is already effective also
// gets its completed grant entry and the cached balance bump in the same
// transaction; a future-dated batch waits for the periodic activation sweep.
// Passing neverExpires maps the expiry to the far-future sentinel.
func (service *Service) IssueCredits(ctx context.Context, userID UserID, amount PositiveCredits, batchType BatchType, effectiveAtUnixUTC int64, expiresAtUnixUTC int64, neverExpires bool, metadata MetadataJSON) (Batch, error) {
	if _, err := ParseBatchType(batchType.String()); err != nil {
		return Batch{}, WrapError(operationIssue, "batch", "invalid_type", err)
	}
	if neverExpires {
		expiresAtUnixUTC = neverExpiresUnixUTC
	}
	if expiresAtUnixUTC == 0 {
		return Batch{}, WrapError(operationIssue, "batch", "missing_expiry", fmt.Errorf("%w: expiry date or neverExpires is required", ErrInvalidExpiry))
	}
	if expiresAtUnixUTC <= effectiveAtUnixUTC {
		return Batch{}, WrapError(operationIssue, "batch", "inverted_window", fmt.Errorf("%w: expiry precedes effective date", ErrInvalidExpiry))
	}

	var issued Batch
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		issued, err = service.issueWithinTx(ctx, transactionStore, userID, amount, batchType, effectiveAtUnixUTC, expiresAtUnixUTC, metadata)
		return err
	})
	if operationError != nil {
		return Batch{}, operationError
	}
	service.recordAudit(ctx, IssuedEvent{
		UserID:             userID,
		BatchID:            issued.BatchID,
		Amount:             issued.Amount,
		BatchType:          issued.Type,
		EffectiveAtUnixUTC: issued.EffectiveAtUnixUTC,
		ExpiresAtUnixUTC:   issued.ExpiresAtUnixUTC,
	})
	// Issuance may coincide with other grants aging out; sweep so the caller
	// observes a settled balance.
	if err := service.ExpireUserCredits(ctx, userID); err != nil {
		return issued, err
	}
	return issued, nil
}

// IssueFreeCredits grants the fixed never-expiring signup bonus, at most once
// per user.
func (service *Service) IssueFreeCredits(ctx context.Context, userID UserID) (Batch, error) {
	amount, err := NewPositiveCredits(freeGrantCredits)
	if err != nil {
		return Batch{}, err
	}
	metadata, err := NewMetadataJSON("")
	if err != nil {
		return Batch{}, err
	}
	var issued Batch
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		exists, err := transactionStore.FreeBatchExists(ctx, userID)
		if err != nil {
			return err
		}
		if exists {
			return WrapError(operationIssue, "batch", "duplicate_free", ErrDuplicateFreeBatch)
		}
		now := service.nowFn()
		issued, err = service.issueWithinTx(ctx, transactionStore, userID, amount, BatchFree, now, neverExpiresUnixUTC, metadata)
		return err
	})
	if operationError != nil {
		return Batch{}, operationError
	}
	service.recordAudit(ctx, IssuedEvent{
		UserID:             userID,
		BatchID:            issued.BatchID,
		Amount:             issued.Amount,
		BatchType:          issued.Type,
		EffectiveAtUnixUTC: issued.EffectiveAtUnixUTC,
		ExpiresAtUnixUTC:   issued.ExpiresAtUnixUTC,
	})
	return issued, nil
}

// RemoveFutureCredits deletes batches whose effective date has not been
// reached. This is the only path that deletes a batch.
func (service *Service) RemoveFutureCredits(ctx context.Context, userID UserID) (int64, error) {
	var removed int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.LockUser(ctx, userID); err != nil {
			return err
		}
		var err error
		removed, err = transactionStore.DeleteFutureBatches(ctx, userID, service.nowFn())
		return err
	})
	return removed, operationError
}

func (service *Service) issueWithinTx(ctx context.Context, transactionStore Store, userID UserID, amount PositiveCredits, batchType BatchType, effectiveAtUnixUTC int64, expiresAtUnixUTC int64, metadata MetadataJSON) (Batch, error) {
	user, err := transactionStore.LockUser(ctx, userID)
	if err != nil {
		return Batch{}, err
	}
	now := service.nowFn()
	batch, err := transactionStore.CreateBatch(ctx, Batch{
		UserID:             userID.String(),
		Amount:             amount.Credits(),
		Type:               batchType,
		EffectiveAtUnixUTC: effectiveAtUnixUTC,
		ExpiresAtUnixUTC:   expiresAtUnixUTC,
		CurrentBalance:     amount.Credits(),
		MetadataJSON:       metadata.String(),
		CreatedUnixUTC:     now,
	})
	if err != nil {
		return Batch{}, err
	}
	if effectiveAtUnixUTC > now {
		return batch, nil
	}
	if _, err := transactionStore.InsertEntry(ctx, LedgerEntry{
		BatchID:        batch.BatchID,
		UserID:         userID.String(),
		Amount:         amount.Credits(),
		Cause:          causeIssued,
		BalanceBefore:  user.CachedBalance,
		BalanceAfter:   user.CachedBalance + amount.Credits(),
		Status:         EntryCompleted,
		CreatedUnixUTC: now,
	}); err != nil {
		return Batch{}, err
	}
	if err := transactionStore.AdjustCachedBalance(ctx, userID, amount.Credits()); err != nil {
		return Batch{}, err
	}
	return batch, nil
}
