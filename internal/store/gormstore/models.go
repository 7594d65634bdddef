package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditUser carries the denormalized balance cache.
type CreditUser struct {
	UserID        string    `gorm:"primaryKey"`
	CachedBalance int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (CreditUser) TableName() string { return "credit_users" }

// CreditBatch mirrors the credit_batches table.
type CreditBatch struct {
	BatchID        string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_batches_user_expires,priority:1"`
	Amount         int64          `gorm:"not null"`
	Type           string         `gorm:"not null"`
	EffectiveAt    time.Time      `gorm:"not null;index"`
	ExpiresAt      time.Time      `gorm:"not null;index:idx_batches_user_expires,priority:2"`
	CurrentBalance int64          `gorm:"not null"`
	FreeGrantKey   *string        `gorm:"uniqueIndex"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

func (batch *CreditBatch) BeforeCreate(tx *gorm.DB) error {
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	return nil
}

// CreditLedgerEntry mirrors the credit_ledger_entries table.
type CreditLedgerEntry struct {
	EntryID       string    `gorm:"type:uuid;primaryKey"`
	BatchID       string    `gorm:"type:uuid;not null;index"`
	UserID        string    `gorm:"not null;index:idx_entries_user_created,priority:1"`
	Amount        int64     `gorm:"not null"`
	Cause         string    `gorm:"not null"`
	BalanceBefore int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_entries_correlation_status,priority:2"`
	CorrelationID string    `gorm:"index:idx_entries_correlation_status,priority:1"`
	CreatedAt     time.Time `gorm:"not null;index:idx_entries_user_created,priority:2"`
}

func (CreditLedgerEntry) TableName() string { return "credit_ledger_entries" }

func (entry *CreditLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
