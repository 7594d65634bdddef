package ledger

import "context"

// CompleteCredit finalizes a reservation: every pending entry under the
// correlation id becomes completed. The balance was already applied at
// reservation time, so nothing else moves. Idempotent; an unknown or
// already-settled correlation id is a benign no-op.
func (service *Service) CompleteCredit(ctx context.Context, correlationID CorrelationID) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entries, err := transactionStore.PendingEntriesByCorrelation(ctx, correlationID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := transactionStore.UpdateEntryStatus(ctx, entry.EntryID, EntryPending, EntryCompleted); err != nil {
				return err
			}
		}
		return nil
	})
}

// RefundCredit reverses a reservation: each pending entry's batch gets its
// slice back, a completed reversal entry is written, the original entry is
// marked refunded, and the cached balance is restored. A no-op when nothing
// pending matches the correlation id. The restored credit may itself already
// be past expiry, so the user is swept afterwards.
func (service *Service) RefundCredit(ctx context.Context, correlationID CorrelationID) error {
	var refundedUser UserID
	var refundedTotal Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entries, err := transactionStore.PendingEntriesByCorrelation(ctx, correlationID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		userID, err := NewUserID(entries[0].UserID)
		if err != nil {
			return err
		}
		user, err := transactionStore.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		running := user.CachedBalance
		for _, entry := range entries {
			restored := entry.Amount.Negated()
			if err := transactionStore.RestoreBatchBalance(ctx, entry.BatchID, restored); err != nil {
				return err
			}
			if _, err := transactionStore.InsertEntry(ctx, LedgerEntry{
				BatchID:        entry.BatchID,
				UserID:         entry.UserID,
				Amount:         restored,
				Cause:          correlationID.String() + causeRefundedSuffix,
				BalanceBefore:  running,
				BalanceAfter:   running + restored,
				Status:         EntryCompleted,
				CorrelationID:  correlationID.String(),
				CreatedUnixUTC: now,
			}); err != nil {
				return err
			}
			if err := transactionStore.UpdateEntryStatus(ctx, entry.EntryID, EntryPending, EntryRefunded); err != nil {
				return err
			}
			running += restored
			refundedTotal += restored
		}
		refundedUser = userID
		return transactionStore.AdjustCachedBalance(ctx, userID, refundedTotal)
	})
	if operationError != nil {
		return operationError
	}
	if refundedTotal == 0 {
		return nil
	}
	service.recordAudit(ctx, RefundedEvent{
		UserID:        refundedUser,
		CorrelationID: correlationID,
		Amount:        refundedTotal,
	})
	return service.ExpireUserCredits(ctx, refundedUser)
}
