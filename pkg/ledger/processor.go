package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LeaseLock guards the periodic sweep against overlapping runs. The ledger
// assumes a single holder at a time; multi-instance deployments inject a
// shared lease (for example the Redis-backed one) with a TTL so a crashed
// holder cannot wedge the schedule.
type LeaseLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalLease is the in-process default, sufficient for single-instance
// deployments.
type LocalLease struct {
	mutex sync.Mutex
}

// NewLocalLease returns a process-local lease.
func NewLocalLease() *LocalLease {
	return &LocalLease{}
}

// Acquire takes the lease if it is free.
func (lease *LocalLease) Acquire(context.Context) (bool, error) {
	return lease.mutex.TryLock(), nil
}

// Release frees the lease.
func (lease *LocalLease) Release(context.Context) error {
	lease.mutex.Unlock()
	return nil
}

// ProcessCredits is the scheduled sweep: phase one expires aged batches
// across all users, phase two activates batches whose effective date arrived
// today. Both phases are idempotent and tolerate per-batch failures; a run
// that cannot take the lease is skipped.
func (service *Service) ProcessCredits(ctx context.Context) error {
	acquired, err := service.sweepLease.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		service.logger.Info("credit sweep skipped, lease held elsewhere")
		return nil
	}
	defer func() {
		if err := service.sweepLease.Release(ctx); err != nil {
			service.logger.Warn("sweep lease release failed", zap.Error(err))
		}
	}()

	now := service.nowFn()
	users, err := service.store.UsersWithExpiredBatches(ctx, now)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := service.ExpireUserCredits(ctx, userID); err != nil {
			service.logger.Warn("user expiry sweep failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}

	batches, err := service.store.ActivatableBatches(ctx, startOfDayUnixUTC(now), now)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := service.activateBatch(ctx, batch.BatchID); err != nil {
			service.logger.Warn("batch activation failed",
				zap.String("batch_id", batch.BatchID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// activateBatch writes the grant entry for a batch that became effective. A
// batch that already has any ledger entry was activated (or issued live)
// before, so it is skipped.
func (service *Service) activateBatch(ctx context.Context, batchID string) error {
	var activated Batch
	var activatedUser UserID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		batch, err := transactionStore.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		userID, err := NewUserID(batch.UserID)
		if err != nil {
			return err
		}
		user, err := transactionStore.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		hasEntries, err := transactionStore.BatchHasEntries(ctx, batch.BatchID)
		if err != nil {
			return err
		}
		if hasEntries {
			return nil
		}
		if _, err := transactionStore.InsertEntry(ctx, LedgerEntry{
			BatchID:        batch.BatchID,
			UserID:         batch.UserID,
			Amount:         batch.Amount,
			Cause:          causeActivated,
			BalanceBefore:  user.CachedBalance,
			BalanceAfter:   user.CachedBalance + batch.Amount,
			Status:         EntryCompleted,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		if err := transactionStore.AdjustCachedBalance(ctx, userID, batch.Amount); err != nil {
			return err
		}
		activated = batch
		activatedUser = userID
		return nil
	})
	if operationError != nil {
		return operationError
	}
	if activated.BatchID != "" {
		service.recordAudit(ctx, ActivatedEvent{
			UserID:  activatedUser,
			BatchID: activated.BatchID,
			Amount:  activated.Amount,
		})
	}
	return nil
}

func startOfDayUnixUTC(nowUnixUTC int64) int64 {
	day := time.Unix(nowUnixUTC, 0).UTC().Truncate(24 * time.Hour)
	return day.Unix()
}
