package ledger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Service contains the credit ledger domain logic over a Store.
type Service struct {
	store      Store
	nowFn      func() int64
	auditor    AuditRecorder
	sweepLease LeaseLock
	logger     *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithAuditRecorder wires a recorder that receives every committed operation.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(service *Service) {
		service.auditor = recorder
	}
}

// WithSweepLease injects the lease lock guarding ProcessCredits.
func WithSweepLease(lease LeaseLock) ServiceOption {
	return func(service *Service) {
		service.sweepLease = lease
	}
}

// WithLogger wires the operational logger used for sweep diagnostics.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:      store,
		nowFn:      now,
		sweepLease: NewLocalLease(),
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the user's cached total balance.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (Credits, error) {
	return service.store.CachedBalance(ctx, userID)
}

// GetLedgerHistory returns a newest-first page of entries within the window.
// Refund-cause entries are relabeled for display.
func (service *Service) GetLedgerHistory(ctx context.Context, userID UserID, take int, skip int, windowDays int) ([]HistoryEntry, error) {
	if take <= 0 {
		take = defaultHistoryTake
	}
	if take > maxHistoryTake {
		take = maxHistoryTake
	}
	if skip < 0 {
		skip = 0
	}
	if windowDays <= 0 {
		windowDays = defaultHistoryWindowDays
	}
	since := service.nowFn() - int64(windowDays)*secondsPerDay
	entries, err := service.store.EntriesPage(ctx, userID, take, skip, since)
	if err != nil {
		return nil, err
	}
	history := make([]HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		history = append(history, HistoryEntry{
			EntryID:        entry.EntryID,
			Amount:         entry.Amount,
			Cause:          displayCause(entry.Cause),
			Status:         entry.Status,
			BalanceAfter:   entry.BalanceAfter,
			CorrelationID:  entry.CorrelationID,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return history, nil
}

func displayCause(cause string) string {
	if strings.HasSuffix(cause, causeRefundedSuffix) {
		return displayCauseRefund
	}
	return cause
}

func (service *Service) recordAudit(ctx context.Context, event AuditEvent) {
	if service.auditor == nil {
		return
	}
	service.auditor.RecordAudit(ctx, event)
}
