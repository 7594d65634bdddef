package ledger

import (
	"context"

	"go.uber.org/zap"
)

// AuditKind tags an audit event variant.
type AuditKind string

const (
	AuditIssued    AuditKind = "issued"
	AuditConsumed  AuditKind = "consumed"
	AuditExpired   AuditKind = "expired"
	AuditRefunded  AuditKind = "refunded"
	AuditActivated AuditKind = "activated"
)

// AuditEvent is one committed ledger operation. The interface is sealed so a
// recorder switching on the variant set stays exhaustive at compile time.
type AuditEvent interface {
	Kind() AuditKind
	auditEvent()
}

// IssuedEvent records a new batch grant.
type IssuedEvent struct {
	UserID             UserID
	BatchID            string
	Amount             Credits
	BatchType          BatchType
	EffectiveAtUnixUTC int64
	ExpiresAtUnixUTC   int64
}

// ConsumedEvent records one allocation spanning one or more batches.
type ConsumedEvent struct {
	UserID         UserID
	CorrelationID  CorrelationID
	Amount         Credits
	BatchesSpanned int
}

// ExpiredEvent records a batch written off by the expiry sweep.
type ExpiredEvent struct {
	UserID  UserID
	BatchID string
	Amount  Credits
}

// RefundedEvent records the reversal of a pending allocation.
type RefundedEvent struct {
	UserID        UserID
	CorrelationID CorrelationID
	Amount        Credits
}

// ActivatedEvent records a future-dated batch coming into effect.
type ActivatedEvent struct {
	UserID  UserID
	BatchID string
	Amount  Credits
}

func (IssuedEvent) Kind() AuditKind    { return AuditIssued }
func (ConsumedEvent) Kind() AuditKind  { return AuditConsumed }
func (ExpiredEvent) Kind() AuditKind   { return AuditExpired }
func (RefundedEvent) Kind() AuditKind  { return AuditRefunded }
func (ActivatedEvent) Kind() AuditKind { return AuditActivated }

func (IssuedEvent) auditEvent()    {}
func (ConsumedEvent) auditEvent()  {}
func (ExpiredEvent) auditEvent()   {}
func (RefundedEvent) auditEvent()  {}
func (ActivatedEvent) auditEvent() {}

// AuditRecorder receives every committed state-changing operation.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, event AuditEvent)
}

// ZapAuditRecorder emits audit events as structured log lines.
type ZapAuditRecorder struct {
	logger *zap.Logger
}

// NewZapAuditRecorder wires a recorder over a zap logger.
func NewZapAuditRecorder(logger *zap.Logger) *ZapAuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAuditRecorder{logger: logger}
}

// RecordAudit logs one event with only its variant's fields.
func (recorder *ZapAuditRecorder) RecordAudit(_ context.Context, event AuditEvent) {
	switch typed := event.(type) {
	case IssuedEvent:
		recorder.logger.Info("credits issued",
			zap.String("kind", string(typed.Kind())),
			zap.String("user_id", typed.UserID.String()),
			zap.String("batch_id", typed.BatchID),
			zap.Int64("amount", typed.Amount.Int64()),
			zap.String("batch_type", typed.BatchType.String()),
			zap.Int64("effective_at", typed.EffectiveAtUnixUTC),
			zap.Int64("expires_at", typed.ExpiresAtUnixUTC),
		)
	case ConsumedEvent:
		recorder.logger.Info("credits consumed",
			zap.String("kind", string(typed.Kind())),
			zap.String("user_id", typed.UserID.String()),
			zap.String("correlation_id", typed.CorrelationID.String()),
			zap.Int64("amount", typed.Amount.Int64()),
			zap.Int("batches_spanned", typed.BatchesSpanned),
		)
	case ExpiredEvent:
		recorder.logger.Info("credits expired",
			zap.String("kind", string(typed.Kind())),
			zap.String("user_id", typed.UserID.String()),
			zap.String("batch_id", typed.BatchID),
			zap.Int64("amount", typed.Amount.Int64()),
		)
	case RefundedEvent:
		recorder.logger.Info("credits refunded",
			zap.String("kind", string(typed.Kind())),
			zap.String("user_id", typed.UserID.String()),
			zap.String("correlation_id", typed.CorrelationID.String()),
			zap.Int64("amount", typed.Amount.Int64()),
		)
	case ActivatedEvent:
		recorder.logger.Info("credits activated",
			zap.String("kind", string(typed.Kind())),
			zap.String("user_id", typed.UserID.String()),
			zap.String("batch_id", typed.BatchID),
			zap.Int64("amount", typed.Amount.Int64()),
		)
	}
}
