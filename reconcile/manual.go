package reconcile

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/fingerprint"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/ledgersync"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"gorm.io/gorm"
)

// AcceptProposal links the pair a pending proposal describes, on a user's
// explicit decision.
func (o *Orchestrator) AcceptProposal(ctx context.Context, proposalId uint, decidedBy string) (*models.LinkageRecord, error) {
	db := o.db.WithContext(ctx)

	var proposal models.MatchProposal
	if err := db.Take(&proposal, proposalId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if proposal.Status != models.ProposalStatusPending {
		return nil, utils.NewValidationError("status", "proposal is already decided")
	}

	var doc models.DocumentCandidate
	if err := db.Take(&doc, proposal.DocumentId).Error; err != nil {
		return nil, err
	}
	var entry models.LedgerEntry
	if err := db.Take(&entry, proposal.LedgerEntryId).Error; err != nil {
		return nil, err
	}

	record, err := o.writer.Link(ctx, &doc, &entry, models.LinkMethodConfirmed, models.DecisionSourceUser, &proposal.ID, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := db.Model(&models.MatchProposal{}).
		Where("id = ?", proposal.ID).
		Updates(map[string]interface{}{
			"status":     models.ProposalStatusAccepted,
			"decided_by": decidedBy,
			"decided_at": now,
		}).Error; err != nil {
		return nil, err
	}

	score := proposal.Score
	_ = o.audit.Record(ctx, Decision{
		DocumentId:    doc.ID,
		LedgerEntryId: &entry.ID,
		Inputs:        linkInputs(&doc, &entry),
		RulesApplied:  decodeReasons(proposal.ReasonsJSON),
		Score:         &score,
		Source:        models.DecisionSourceUser,
		Outcome:       "accepted",
		WriteAction:   models.LedgerWriteActionUpdateLinkage,
	})
	return record, nil
}

// RejectProposal closes a pending proposal without touching the ledger. The
// rejection is permanent: a later matching pass never reopens the pair.
func (o *Orchestrator) RejectProposal(ctx context.Context, proposalId uint, decidedBy string) error {
	db := o.db.WithContext(ctx)

	var proposal models.MatchProposal
	if err := db.Take(&proposal, proposalId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if proposal.Status != models.ProposalStatusPending {
		return utils.NewValidationError("status", "proposal is already decided")
	}

	now := time.Now()
	if err := db.Model(&models.MatchProposal{}).
		Where("id = ?", proposal.ID).
		Updates(map[string]interface{}{
			"status":     models.ProposalStatusRejected,
			"decided_by": decidedBy,
			"decided_at": now,
		}).Error; err != nil {
		return err
	}

	score := proposal.Score
	entryId := proposal.LedgerEntryId
	_ = o.audit.Record(ctx, Decision{
		DocumentId:    proposal.DocumentId,
		LedgerEntryId: &entryId,
		RulesApplied:  decodeReasons(proposal.ReasonsJSON),
		Score:         &score,
		Source:        models.DecisionSourceUser,
		Outcome:       "rejected",
		WriteAction:   models.LedgerWriteActionNone,
	})
	return nil
}

// ManualLink links a document and a ledger entry directly, without a
// proposal. The usual exclusivity rules still apply.
func (o *Orchestrator) ManualLink(ctx context.Context, documentId, ledgerEntryId uint, decidedBy string) (*models.LinkageRecord, error) {
	db := o.db.WithContext(ctx)

	var doc models.DocumentCandidate
	if err := db.Take(&doc, documentId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	var entry models.LedgerEntry
	if err := db.Take(&entry, ledgerEntryId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	record, err := o.writer.Link(ctx, &doc, &entry, models.LinkMethodManual, models.DecisionSourceUser, nil, nil)
	if err != nil {
		return nil, err
	}

	_ = o.audit.Record(ctx, Decision{
		DocumentId:    doc.ID,
		LedgerEntryId: &entry.ID,
		Inputs:        linkInputs(&doc, &entry),
		RulesApplied:  []string{"manual link by " + decidedBy},
		Source:        models.DecisionSourceUser,
		Outcome:       "manually_linked",
		WriteAction:   models.LedgerWriteActionUpdateLinkage,
	})
	return record, nil
}

// ReinterpretDocument re-scores a single document against the current mirror
// outside a full run. Pending proposals refresh in place; decided ones are
// untouched.
func (o *Orchestrator) ReinterpretDocument(ctx context.Context, documentId uint) ([]ProposalResponse, error) {
	db := o.db.WithContext(ctx)

	var doc models.DocumentCandidate
	if err := db.Take(&doc, documentId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if doc.Status == models.DocumentStatusLinked || doc.Status == models.DocumentStatusIgnored {
		return nil, utils.NewValidationError("status", "document is already resolved")
	}

	entries, err := o.mirror.Unlinked(ctx, time.Time{})
	if err != nil {
		return nil, utils.NewConnectivityError("load ledger entries", err)
	}

	candidates := o.engine.Match(&doc, entries)
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, c := range candidates {
			if _, err := UpsertProposal(tx, 0, c); err != nil {
				return err
			}
		}
		if len(candidates) > 0 && doc.Status == models.DocumentStatusPending {
			return tx.Model(&models.DocumentCandidate{}).
				Where("id = ?", doc.ID).
				Update("status", models.DocumentStatusProposed).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rules := make([]string, 0, len(candidates))
	for _, c := range candidates {
		rules = append(rules, c.Reasons...)
	}
	_ = o.audit.Record(ctx, Decision{
		DocumentId:   doc.ID,
		Inputs:       map[string]interface{}{"candidates": len(candidates), "fingerprint": doc.Fingerprint},
		RulesApplied: rules,
		Source:       models.DecisionSourceRules,
		Outcome:      "reinterpreted",
		WriteAction:  models.LedgerWriteActionNone,
	})

	var proposals []models.MatchProposal
	if err := db.Where("document_id = ? AND status = ?", doc.ID, models.ProposalStatusPending).
		Order("score desc, id asc").
		Find(&proposals).Error; err != nil {
		return nil, err
	}
	items := make([]ProposalResponse, 0, len(proposals))
	for _, p := range proposals {
		items = append(items, mapProposalToResponse(p))
	}
	return items, nil
}

// CreateEntryFromDocument creates a new ledger entry for a document that
// matched nothing. Creation writes to the ledger, so it always requires the
// caller's explicit confirmation; the automatic pipeline never reaches here.
func (o *Orchestrator) CreateEntryFromDocument(ctx context.Context, documentId uint, decidedBy string, confirmed bool) (*models.LinkageRecord, error) {
	logger := config.GetLogger()
	if config.BankFirstMode() && !confirmed {
		return nil, utils.NewValidationError("confirm", "entry creation requires explicit confirmation")
	}

	db := o.db.WithContext(ctx)

	var doc models.DocumentCandidate
	if err := db.Take(&doc, documentId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if doc.Status == models.DocumentStatusLinked {
		return nil, utils.NewValidationError("status", "document is already linked")
	}

	// The fingerprint may already sit on an entry a previous attempt created.
	live, err := o.mirror.Ledger().FindByMarker(ctx, doc.Fingerprint)
	if err != nil {
		return nil, utils.NewConnectivityError("entry lookup", err)
	}
	if live == nil {
		markers := fingerprint.BuildMarkers(doc.ExternalDocId, doc.Fingerprint)
		input := ledgersync.NewLedgerTransaction{
			Type:              "withdrawal",
			Description:       doc.Description,
			DestinationName:   doc.Counterparty,
			Amount:            doc.Amount.StringFixed(2),
			Currency:          doc.Currency,
			Date:              doc.DocumentDate.Format("2006-01-02"),
			ExternalID:        markers.ExternalID,
			InternalReference: markers.InternalReference,
			Notes:             markers.NotesMarker,
		}
		live, err = o.mirror.Ledger().CreateEntry(ctx, input)
		if err != nil {
			config.LogError(logger, moduleName, "CreateEntryFromDocument", "ledger entry creation failed", doc.ExternalDocId, err)
			return nil, utils.NewConnectivityError("entry creation", err)
		}
	}

	entry, err := ledgersync.EntryFromTransaction(*live, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	var mirrored models.LedgerEntry
	takeErr := db.Where("external_tx_id = ?", entry.ExternalTxId).Take(&mirrored).Error
	if takeErr == gorm.ErrRecordNotFound {
		if err := db.Create(entry).Error; err != nil && !utils.IsDuplicateKeyError(err) {
			return nil, err
		}
		if err := db.Where("external_tx_id = ?", entry.ExternalTxId).Take(&mirrored).Error; err != nil {
			return nil, err
		}
	} else if takeErr != nil {
		return nil, takeErr
	}

	record, err := o.writer.Link(ctx, &doc, &mirrored, models.LinkMethodCreated, models.DecisionSourceUser, nil, nil)
	if err != nil {
		return nil, err
	}

	_ = o.audit.Record(ctx, Decision{
		DocumentId:    doc.ID,
		LedgerEntryId: &mirrored.ID,
		Inputs:        linkInputs(&doc, &mirrored),
		RulesApplied:  []string{"entry created by " + decidedBy},
		Source:        models.DecisionSourceUser,
		Outcome:       "entry_created",
		WriteAction:   models.LedgerWriteActionCreate,
	})
	return record, nil
}
