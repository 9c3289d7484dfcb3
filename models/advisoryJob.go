package models

import (
	"time"
)

// AdvisoryJob is a queued request for an out-of-band advisory suggestion on a
// document. The reconciliation pipeline never waits on these.
type AdvisoryJob struct {
	ID          uint              `gorm:"primary_key" json:"id"`
	DocumentId  uint              `gorm:"not null;index" json:"document_id"`
	Status      AdvisoryJobStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts    int               `gorm:"not null;default:0" json:"attempts"`
	PayloadJSON []byte            `gorm:"type:json" json:"payload"`
	ResultJSON  []byte            `gorm:"type:json" json:"result"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
