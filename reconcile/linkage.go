package reconcile

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/fingerprint"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/ledgersync"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"gorm.io/gorm"
)

// LinkageWriter is the only component that mutates the ledger. It writes the
// three linkage markers to a ledger entry and records the local linkage fact,
// in that order: a crash between the two leaves a marker the next run detects,
// never a double write.
type LinkageWriter struct {
	db     *gorm.DB
	ledger ledgersync.LedgerAPI
}

func NewLinkageWriter(db *gorm.DB, ledger ledgersync.LedgerAPI) *LinkageWriter {
	return &LinkageWriter{db: db, ledger: ledger}
}

// Link marks the ledger entry as linked to the document. Calling it again for
// the same pair returns the existing record without touching the ledger.
// Linking either side to a second partner fails with DuplicateLinkageError.
func (w *LinkageWriter) Link(ctx context.Context, doc *models.DocumentCandidate, entry *models.LedgerEntry,
	method models.LinkMethod, source models.DecisionSource, proposalId, runId *uint) (*models.LinkageRecord, error) {

	release, err := utils.ResourceLock(ctx, "linkage", entry.ExternalTxId, moduleName, "Link")
	if err != nil {
		return nil, err
	}
	defer release()

	db := w.db.WithContext(ctx)

	// Local records are checked first: a previous successful write always
	// left one behind.
	var byDoc models.LinkageRecord
	err = db.Where("document_id = ?", doc.ID).Take(&byDoc).Error
	if err == nil {
		if byDoc.LedgerEntryId == entry.ID {
			return &byDoc, nil
		}
		return nil, &utils.DuplicateLinkageError{
			LedgerEntryID:  byDoc.LedgerEntryId,
			DocumentID:     doc.ExternalDocId,
			ExistingMarker: byDoc.Fingerprint,
		}
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	var byEntry models.LinkageRecord
	err = db.Where("ledger_entry_id = ?", entry.ID).Take(&byEntry).Error
	if err == nil {
		return nil, &utils.DuplicateLinkageError{
			LedgerEntryID:  entry.ID,
			DocumentID:     doc.ExternalDocId,
			ExistingMarker: byEntry.Fingerprint,
		}
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	// The mirror may know the entry carries a foreign-document marker the
	// local records do not cover (written by a crashed run or another
	// deployment).
	if entry.Linked {
		if entry.LinkedDocumentId != nil && *entry.LinkedDocumentId == doc.ExternalDocId {
			return w.recordLinkage(ctx, doc, entry, method, source, proposalId, runId)
		}
		return nil, &utils.DuplicateLinkageError{
			LedgerEntryID:  entry.ID,
			DocumentID:     doc.ExternalDocId,
			ExistingMarker: entry.ExternalId,
		}
	}

	// Live check against the ledger: the fingerprint may already sit on a
	// different entry than the mirror has seen.
	live, err := w.ledger.FindByMarker(ctx, doc.Fingerprint)
	if err != nil {
		return nil, utils.NewConnectivityError("linkage marker lookup", err)
	}
	if live != nil && live.ID != entry.ExternalTxId {
		return nil, &utils.DuplicateLinkageError{
			LedgerEntryID:  entry.ID,
			DocumentID:     doc.ExternalDocId,
			ExistingMarker: live.ExternalID,
		}
	}

	if live == nil || live.ID != entry.ExternalTxId {
		markers := fingerprint.BuildMarkers(doc.ExternalDocId, doc.Fingerprint)
		note := buildLinkNote(doc, method)
		if err := w.ledger.UpdateLinkageMarker(ctx, entry.ExternalTxId, markers, note); err != nil {
			return nil, utils.NewConnectivityError("linkage marker write", err)
		}
	}

	return w.recordLinkage(ctx, doc, entry, method, source, proposalId, runId)
}

// recordLinkage persists the local side of an already marker-bearing link:
// the linkage record, the mirror flags, and the document status, atomically.
func (w *LinkageWriter) recordLinkage(ctx context.Context, doc *models.DocumentCandidate, entry *models.LedgerEntry,
	method models.LinkMethod, source models.DecisionSource, proposalId, runId *uint) (*models.LinkageRecord, error) {

	logger := config.GetLogger()
	record := models.LinkageRecord{
		DocumentId:     doc.ID,
		LedgerEntryId:  entry.ID,
		Fingerprint:    doc.Fingerprint,
		Method:         method,
		DecisionSource: source,
		ProposalId:     proposalId,
		RunId:          runId,
	}

	markers := fingerprint.BuildMarkers(doc.ExternalDocId, doc.Fingerprint)
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			if utils.IsDuplicateKeyError(err) {
				// A concurrent writer won; verify it linked the same pair.
				var existing models.LinkageRecord
				if takeErr := tx.Where("document_id = ?", doc.ID).Take(&existing).Error; takeErr != nil {
					return err
				}
				if existing.LedgerEntryId != entry.ID {
					return &utils.DuplicateLinkageError{
						LedgerEntryID:  existing.LedgerEntryId,
						DocumentID:     doc.ExternalDocId,
						ExistingMarker: existing.Fingerprint,
					}
				}
				record = existing
				return nil
			}
			return err
		}

		if err := tx.Model(&models.LedgerEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"linked":             true,
				"linked_document_id": doc.ExternalDocId,
				"external_id":        markers.ExternalID,
				"internal_reference": markers.InternalReference,
				"notes":              markers.NotesMarker,
			}).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.DocumentCandidate{}).
			Where("id = ?", doc.ID).
			Update("status", models.DocumentStatusLinked).Error; err != nil {
			return err
		}

		return supersedePendingProposals(tx, doc.ID, entry.ID, proposalId)
	})
	if err != nil {
		config.LogError(logger, moduleName, "recordLinkage", "linkage record write failed", doc.ExternalDocId, err)
		return nil, err
	}
	return &record, nil
}

func buildLinkNote(doc *models.DocumentCandidate, method models.LinkMethod) string {
	when := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("Linked to %q (%s, %s)", doc.Title, method, when)
}
