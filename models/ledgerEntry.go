package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is a local mirror row of one ledger transaction. The mirror is
// read-mostly: the only field this system ever writes back upstream is the
// linkage marker set.
type LedgerEntry struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	ExternalTxId      string          `gorm:"size:64;not null;uniqueIndex:uniq_ledger_external_tx" json:"external_tx_id"`
	Description       string          `gorm:"type:text" json:"description"`
	Counterparty      string          `gorm:"size:255" json:"counterparty"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency          string          `gorm:"size:3;not null" json:"currency"`
	EntryDate         time.Time       `gorm:"not null;index" json:"entry_date"`
	ExternalId        string          `gorm:"size:128;index" json:"external_id"`
	InternalReference string          `gorm:"size:128" json:"internal_reference"`
	Notes             string          `gorm:"type:text" json:"notes"`
	Linked            bool            `gorm:"not null;default:false;index" json:"linked"`
	LinkedDocumentId  *uint           `gorm:"index" json:"linked_document_id"`
	SyncedAt          time.Time       `gorm:"not null" json:"synced_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
