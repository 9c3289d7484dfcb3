package reconcile

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/matching"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"gorm.io/gorm"
)

// UpsertProposal persists one scored candidate keyed by the
// (document, ledger entry) pair. A PENDING row is refreshed in place with the
// latest score and reasons; a row that has already been decided is left
// untouched, so re-running matching never resurrects a rejection.
func UpsertProposal(tx *gorm.DB, runId uint, c matching.Candidate) (created bool, err error) {
	var existing models.MatchProposal
	err = tx.Where("document_id = ? AND ledger_entry_id = ?", c.DocumentId, c.LedgerEntryId).
		Take(&existing).Error

	if err == gorm.ErrRecordNotFound {
		row := proposalFromCandidate(runId, c)
		if createErr := tx.Create(&row).Error; createErr != nil {
			if utils.IsDuplicateKeyError(createErr) {
				// Concurrent run inserted the pair first; refresh it instead.
				if err := tx.Where("document_id = ? AND ledger_entry_id = ?", c.DocumentId, c.LedgerEntryId).
					Take(&existing).Error; err != nil {
					return false, err
				}
				return false, refreshPendingProposal(tx, existing, runId, c)
			}
			return false, createErr
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	return false, refreshPendingProposal(tx, existing, runId, c)
}

func refreshPendingProposal(tx *gorm.DB, existing models.MatchProposal, runId uint, c matching.Candidate) error {
	if existing.Status != models.ProposalStatusPending {
		return nil
	}
	signalsJSON, _ := json.Marshal(c.Signals)
	reasonsJSON, _ := json.Marshal(c.Reasons)
	return tx.Model(&models.MatchProposal{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"run_id":             runId,
			"score":              c.Score,
			"amount_score":       signalScore(c.Signals, "amount"),
			"date_score":         signalScore(c.Signals, "date"),
			"description_score":  signalScore(c.Signals, "description"),
			"counterparty_score": signalScore(c.Signals, "counterparty"),
			"ambiguous":          c.Ambiguous,
			"signals_json":       signalsJSON,
			"reasons_json":       reasonsJSON,
		}).Error
}

func proposalFromCandidate(runId uint, c matching.Candidate) models.MatchProposal {
	signalsJSON, _ := json.Marshal(c.Signals)
	reasonsJSON, _ := json.Marshal(c.Reasons)
	return models.MatchProposal{
		DocumentId:        c.DocumentId,
		LedgerEntryId:     c.LedgerEntryId,
		RunId:             runId,
		Score:             c.Score,
		AmountScore:       signalScore(c.Signals, "amount"),
		DateScore:         signalScore(c.Signals, "date"),
		DescriptionScore:  signalScore(c.Signals, "description"),
		CounterpartyScore: signalScore(c.Signals, "counterparty"),
		Ambiguous:         c.Ambiguous,
		SignalsJSON:       signalsJSON,
		ReasonsJSON:       reasonsJSON,
		Status:            models.ProposalStatusPending,
	}
}

func signalScore(signals []matching.Signal, name string) float64 {
	for _, s := range signals {
		if s.Name == name {
			return s.Score
		}
	}
	return 0
}

// supersedePendingProposals closes every other PENDING proposal touching the
// linked document or ledger entry once a linkage exists.
func supersedePendingProposals(tx *gorm.DB, documentId, ledgerEntryId uint, exceptProposalId *uint) error {
	now := time.Now()
	dbCtx := tx.Model(&models.MatchProposal{}).
		Where("status = ?", models.ProposalStatusPending).
		Where("document_id = ? OR ledger_entry_id = ?", documentId, ledgerEntryId)
	if exceptProposalId != nil {
		dbCtx = dbCtx.Where("id <> ?", *exceptProposalId)
	}
	return dbCtx.Updates(map[string]interface{}{
		"status":     models.ProposalStatusSuperseded,
		"decided_at": now,
	}).Error
}

func decodeReasons(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var reasons []string
	if err := json.Unmarshal(raw, &reasons); err != nil {
		return nil
	}
	return reasons
}

func mapProposalToResponse(p models.MatchProposal) ProposalResponse {
	return ProposalResponse{
		ID:            p.ID,
		DocumentId:    p.DocumentId,
		LedgerEntryId: p.LedgerEntryId,
		RunId:         p.RunId,
		Score:         p.Score,
		Ambiguous:     p.Ambiguous,
		Status:        string(p.Status),
		Reasons:       decodeReasons(p.ReasonsJSON),
		DecidedBy:     p.DecidedBy,
		DecidedAt:     formatTime(p.DecidedAt),
	}
}
