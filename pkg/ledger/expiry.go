package ledger

import (
	"context"

	"go.uber.org/zap"
)

// ExpireUserCredits zeroes every batch of the user that is past its expiry
// window and still carries balance. Each batch is settled in its own
// transaction so one failure never blocks the rest; failures are logged.
// A repeat sweep with no intervening mutation is a no-op.
func (service *Service) ExpireUserCredits(ctx context.Context, userID UserID) error {
	now := service.nowFn()
	batches, err := service.store.ExpiredBatches(ctx, userID, now)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := service.expireBatch(ctx, userID, batch.BatchID, now); err != nil {
			service.logger.Warn("batch expiry failed",
				zap.String("user_id", userID.String()),
				zap.String("batch_id", batch.BatchID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (service *Service) expireBatch(ctx context.Context, userID UserID, batchID string, nowUnixUTC int64) error {
	var writtenOff Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		// Re-read under lock; a concurrent consumer or a prior sweep may have
		// already drained the batch.
		batch, err := transactionStore.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.ExpiresAtUnixUTC >= nowUnixUTC || batch.CurrentBalance <= 0 {
			return nil
		}
		writtenOff = batch.CurrentBalance
		if _, err := transactionStore.InsertEntry(ctx, LedgerEntry{
			BatchID:        batch.BatchID,
			UserID:         userID.String(),
			Amount:         writtenOff.Negated(),
			Cause:          causeExpired,
			BalanceBefore:  user.CachedBalance,
			BalanceAfter:   user.CachedBalance - writtenOff,
			Status:         EntryCompleted,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		if err := transactionStore.MarkBatchExpired(ctx, batch.BatchID, nowUnixUTC); err != nil {
			return err
		}
		return transactionStore.AdjustCachedBalance(ctx, userID, writtenOff.Negated())
	})
	if operationError != nil {
		return operationError
	}
	if writtenOff > 0 {
		service.recordAudit(ctx, ExpiredEvent{
			UserID:  userID,
			BatchID: batchID,
			Amount:  writtenOff,
		})
	}
	return nil
}
