package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserProfile represents the user_profiles table.
type UserProfile struct {
	UserID               string    `gorm:"primaryKey"`
	AccountType          string    `gorm:"not null"`
	CreditsProductShoots int64     `gorm:"not null;check:chk_user_profiles_product_shoots,credits_product_shoots >= 0"`
	CreditsAdGraphics    int64     `gorm:"not null;check:chk_user_profiles_ad_graphics,credits_ad_graphics >= 0"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (UserProfile) TableName() string { return "user_profiles" }

// CreditLedgerEntry mirrors the credit_ledger table. Rows are never updated.
type CreditLedgerEntry struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index:idx_credit_ledger_user_created,priority:1"`
	Workflow     string    `gorm:"not null;index:idx_credit_ledger_workflow_created,priority:1"`
	Delta        int64     `gorm:"not null"`
	Reason       string    `gorm:"not null;index:uniq_credit_ledger_generation_reason,unique,priority:2"`
	GenerationID *string   `gorm:"index:uniq_credit_ledger_generation_reason,unique,priority:1"`
	CreatedAt    time.Time `gorm:"not null;index:idx_credit_ledger_user_created,priority:2;index:idx_credit_ledger_workflow_created,priority:2"`
}

func (CreditLedgerEntry) TableName() string { return "credit_ledger" }

func (entry *CreditLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}

// Generation mirrors the generations table.
type Generation struct {
	ID                string         `gorm:"primaryKey"`
	UserID            string         `gorm:"not null;index:idx_generations_user_created,priority:1"`
	Workflow          string         `gorm:"not null"`
	Status            string         `gorm:"not null"`
	InputJSON         datatypes.JSON `gorm:"column:input_json;not null"`
	OutputJSON        datatypes.JSON `gorm:"column:output_json;not null"`
	ProviderRequestID string         `gorm:"not null;default:''"`
	ProviderModel     string         `gorm:"not null;default:''"`
	AssetKey          string         `gorm:"not null;default:''"`
	ErrorCode         string         `gorm:"not null;default:''"`
	ErrorMessage      string         `gorm:"not null;default:''"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_generations_user_created,priority:2"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

func (Generation) TableName() string { return "generations" }

// Models lists every table managed by the store, in migration order.
func Models() []interface{} {
	return []interface{}{&UserProfile{}, &CreditLedgerEntry{}, &Generation{}}
}
