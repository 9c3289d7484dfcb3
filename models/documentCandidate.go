package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentCandidate is a financial document pulled from the document source
// (invoice, receipt, statement line). Fingerprint is the deterministic
// identity; two rows may never share one.
type DocumentCandidate struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	ExternalDocId    uint            `gorm:"not null;uniqueIndex:uniq_document_external" json:"external_doc_id"`
	SourceHash       string          `gorm:"size:64;not null" json:"source_hash"`
	Fingerprint      string          `gorm:"size:128;not null;uniqueIndex:uniq_document_fingerprint" json:"fingerprint"`
	Title            string          `gorm:"size:255" json:"title"`
	Description      string          `gorm:"type:text" json:"description"`
	Counterparty     string          `gorm:"size:255" json:"counterparty"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency         string          `gorm:"size:3;not null" json:"currency"`
	DocumentDate     time.Time       `gorm:"not null;index" json:"document_date"`
	Status           DocumentStatus  `gorm:"size:20;not null;index" json:"status"`
	QuarantineReason *string         `gorm:"type:text" json:"quarantine_reason"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
