package ledger

import (
	"context"
	"fmt"
)

// PendingCredit reserves an amount against the user's eligible batches,
// soonest-expiring first, writing one pending entry per batch slice. The
// whole allocation commits or none of it does; the reservation stays pending
// until CompleteCredit or RefundCredit settles the correlation id.
func (service *Service) PendingCredit(ctx context.Context, userID UserID, amount PositiveCredits, correlationID CorrelationID) error {
	var batchesSpanned int
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		requested := amount.Credits()
		if requested > user.CachedBalance {
			return WrapError(operationConsume, "balance", "insufficient", ErrInsufficientBalance)
		}
		now := service.nowFn()
		batches, err := transactionStore.EligibleBatches(ctx, userID, now)
		if err != nil {
			return err
		}
		remaining := requested
		running := user.CachedBalance
		for _, batch := range batches {
			if remaining == 0 {
				break
			}
			consumed := remaining
			if batch.CurrentBalance < consumed {
				consumed = batch.CurrentBalance
			}
			if _, err := transactionStore.InsertEntry(ctx, LedgerEntry{
				BatchID:        batch.BatchID,
				UserID:         userID.String(),
				Amount:         consumed.Negated(),
				Cause:          causeConsumed,
				BalanceBefore:  running,
				BalanceAfter:   running - consumed,
				Status:         EntryPending,
				CorrelationID:  correlationID.String(),
				CreatedUnixUTC: now,
			}); err != nil {
				return err
			}
			if err := transactionStore.SetBatchBalance(ctx, batch.BatchID, batch.CurrentBalance-consumed); err != nil {
				return err
			}
			running -= consumed
			remaining -= consumed
			batchesSpanned++
		}
		if remaining > 0 {
			// The cached balance passed the precheck but the eligible batches
			// no longer cover the amount; roll back everything.
			return WrapError(operationConsume, "balance", "exhausted", fmt.Errorf("%w: %d credits unallocated", ErrInsufficientBalance, remaining.Int64()))
		}
		return transactionStore.AdjustCachedBalance(ctx, userID, requested.Negated())
	})
	if operationError != nil {
		return operationError
	}
	service.recordAudit(ctx, ConsumedEvent{
		UserID:         userID,
		CorrelationID:  correlationID,
		Amount:         amount.Credits(),
		BatchesSpanned: batchesSpanned,
	})
	return nil
}
