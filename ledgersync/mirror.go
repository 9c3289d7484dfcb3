package ledgersync

import (
	"context"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/fingerprint"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"gorm.io/gorm"
)

const moduleName = "LedgerMirror"

// Mirror owns the local copies of ledger entries and document candidates. It
// is passed explicitly into the orchestrator and never accessed through a
// package-level singleton.
type Mirror struct {
	db     *gorm.DB
	ledger LedgerAPI
	docs   DocumentAPI
}

func NewMirror(db *gorm.DB, ledger LedgerAPI, docs DocumentAPI) *Mirror {
	return &Mirror{db: db, ledger: ledger, docs: docs}
}

func (m *Mirror) DB() *gorm.DB {
	return m.db
}

func (m *Mirror) Ledger() LedgerAPI {
	return m.ledger
}

// RefreshLedger pulls ledger entries modified since the cursor watermark in
// bounded pages and upserts them keyed by external transaction id. Each page
// commits atomically: a fetch or write failure mid-refresh leaves every prior
// page applied and the failing page untouched, and is reported as a
// connectivity error, never swallowed as "nothing new".
func (m *Mirror) RefreshLedger(ctx context.Context, runId uint, cursor CursorEntry) (int, CursorEntry, error) {
	updatedSince := strings.TrimSpace(cursor.UpdatedSince)
	if updatedSince == "" {
		updatedSince = time.Now().Add(-90 * 24 * time.Hour).UTC().Format(time.RFC3339)
	}
	nextCursor := strings.TrimSpace(cursor.Cursor)
	total := 0
	syncStartedAt := time.Now().UTC()

	for {
		page, err := m.ledger.ListEntries(ctx, updatedSince, nextCursor, 200)
		if err != nil {
			return total, CursorEntry{UpdatedSince: updatedSince, Cursor: nextCursor},
				utils.NewConnectivityError("ledger refresh", err)
		}

		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, raw := range page.Transactions {
				entry, convErr := EntryFromTransaction(raw, syncStartedAt)
				if convErr != nil {
					_ = createRunError(ctx, tx, runId, "ledger_entry", raw.ID, runErrorCode(convErr), convErr.Error(), false)
					continue
				}
				if upErr := upsertLedgerEntry(tx, entry); upErr != nil {
					return upErr
				}
				total++
			}
			return nil
		})
		if err != nil {
			return total, CursorEntry{UpdatedSince: updatedSince, Cursor: nextCursor},
				utils.NewConnectivityError("ledger mirror write", err)
		}

		if page.NextCursor == "" || (page.HasMore != nil && !*page.HasMore) {
			newSince := syncStartedAt.Format(time.RFC3339)
			return total, CursorEntry{UpdatedSince: newSince, Cursor: ""}, nil
		}
		nextCursor = page.NextCursor
	}
}

// RefreshDocuments pulls document candidates tagged for reconciliation and
// upserts them by external document id, computing the identity fingerprint on
// the way in. A fingerprint collision between two distinct documents
// quarantines both rather than merging them.
func (m *Mirror) RefreshDocuments(ctx context.Context, runId uint, tag string, cursor CursorEntry) (int, CursorEntry, error) {
	nextCursor := strings.TrimSpace(cursor.Cursor)
	total := 0

	for {
		page, err := m.docs.ListCandidates(ctx, tag, nextCursor, 100)
		if err != nil {
			return total, CursorEntry{Cursor: nextCursor},
				utils.NewConnectivityError("document refresh", err)
		}

		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, raw := range page.Documents {
				candidate, convErr := CandidateFromDocument(raw)
				if convErr != nil {
					_ = createRunError(ctx, tx, runId, "document", raw.Title, runErrorCode(convErr), convErr.Error(), false)
					continue
				}
				if upErr := m.upsertDocument(ctx, tx, runId, candidate); upErr != nil {
					return upErr
				}
				total++
			}
			return nil
		})
		if err != nil {
			return total, CursorEntry{Cursor: nextCursor},
				utils.NewConnectivityError("document mirror write", err)
		}

		if page.NextCursor == "" || (page.HasMore != nil && !*page.HasMore) {
			return total, CursorEntry{Cursor: ""}, nil
		}
		nextCursor = page.NextCursor
	}
}

// Unlinked returns mirrored ledger entries carrying none of our linkage
// markers. Absence of a marker is the criterion; a foreign external id on an
// entry does not count as linked.
func (m *Mirror) Unlinked(ctx context.Context, since time.Time) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	dbCtx := m.db.WithContext(ctx).Where("linked = ?", false)
	if !since.IsZero() {
		dbCtx = dbCtx.Where("entry_date >= ?", since)
	}
	if err := dbCtx.Order("entry_date DESC, id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// UnresolvedDocuments returns candidates still awaiting a linking decision.
func (m *Mirror) UnresolvedDocuments(ctx context.Context) ([]*models.DocumentCandidate, error) {
	var docs []*models.DocumentCandidate
	if err := m.db.WithContext(ctx).
		Where("status IN ?", []models.DocumentStatus{models.DocumentStatusPending, models.DocumentStatusProposed}).
		Order("id ASC").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// EntryFromTransaction converts a wire transaction into a mirror row,
// deriving linkage state from the marker namespace.
func EntryFromTransaction(raw LedgerTransaction, syncedAt time.Time) (*models.LedgerEntry, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return nil, utils.NewValidationError("id", "transaction id missing")
	}
	amount, err := utils.ParseDecimal(string(raw.Amount))
	if err != nil {
		return nil, utils.NewValidationError("amount", "invalid amount: "+raw.Amount.String())
	}
	entryDate, err := parseDate(raw.Date)
	if err != nil {
		return nil, utils.NewValidationError("date", err.Error())
	}

	counterparty := strings.TrimSpace(raw.DestinationName)
	if counterparty == "" {
		counterparty = strings.TrimSpace(raw.SourceName)
	}

	entry := &models.LedgerEntry{
		ExternalTxId:      strings.TrimSpace(raw.ID),
		Description:       strings.TrimSpace(raw.Description),
		Counterparty:      counterparty,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(raw.Currency)),
		EntryDate:         entryDate,
		ExternalId:        strings.TrimSpace(raw.ExternalID),
		InternalReference: strings.TrimSpace(raw.InternalReference),
		Notes:             raw.Notes,
		SyncedAt:          syncedAt,
	}
	entry.Linked = fingerprint.IsLinked(entry.ExternalId, entry.InternalReference, entry.Notes)
	if entry.Linked {
		if docId, ok := fingerprint.ExtractDocumentID(entry.InternalReference, entry.Notes); ok {
			entry.LinkedDocumentId = &docId
		}
	}
	return entry, nil
}

// CandidateFromDocument converts a wire document into a candidate row with
// its fingerprint computed.
func CandidateFromDocument(raw SourceDocument) (*models.DocumentCandidate, error) {
	if raw.ID == 0 {
		return nil, utils.NewValidationError("id", "document id missing")
	}
	amountStr := strings.TrimSpace(string(raw.Amount))
	amount, err := utils.ParseDecimal(amountStr)
	if err != nil {
		return nil, utils.NewValidationError("amount", "invalid amount: "+raw.Amount.String())
	}
	docDate, err := parseDate(raw.Date)
	if err != nil {
		return nil, utils.NewValidationError("date", err.Error())
	}

	description := strings.TrimSpace(raw.Description)
	if description == "" {
		description = strings.TrimSpace(raw.Title)
	}

	fp, err := fingerprint.Generate(amountStr, docDate.Format("2006-01-02"), raw.Correspondent, description)
	if err != nil {
		return nil, utils.NewValidationError("fingerprint", err.Error())
	}

	return &models.DocumentCandidate{
		ExternalDocId: raw.ID,
		SourceHash:    strings.TrimSpace(raw.SourceHash),
		Fingerprint:   fp,
		Title:         strings.TrimSpace(raw.Title),
		Description:   description,
		Counterparty:  strings.TrimSpace(raw.Correspondent),
		Amount:        amount,
		Currency:      strings.ToUpper(strings.TrimSpace(raw.Currency)),
		DocumentDate:  docDate,
		Status:        models.DocumentStatusPending,
	}, nil
}

func upsertLedgerEntry(tx *gorm.DB, entry *models.LedgerEntry) error {
	var existing models.LedgerEntry
	err := tx.Where("external_tx_id = ?", entry.ExternalTxId).Take(&existing).Error
	if err == gorm.ErrRecordNotFound {
		createErr := tx.Create(entry).Error
		if createErr != nil && utils.IsDuplicateKeyError(createErr) {
			// Concurrent refresh inserted it first; fall through to update.
			return updateLedgerEntry(tx, entry)
		}
		return createErr
	}
	if err != nil {
		return err
	}
	return updateLedgerEntry(tx, entry)
}

func updateLedgerEntry(tx *gorm.DB, entry *models.LedgerEntry) error {
	return tx.Model(&models.LedgerEntry{}).
		Where("external_tx_id = ?", entry.ExternalTxId).
		Updates(map[string]interface{}{
			"description":        entry.Description,
			"counterparty":       entry.Counterparty,
			"amount":             entry.Amount,
			"currency":           entry.Currency,
			"entry_date":         entry.EntryDate,
			"external_id":        entry.ExternalId,
			"internal_reference": entry.InternalReference,
			"notes":              entry.Notes,
			"linked":             entry.Linked,
			"linked_document_id": entry.LinkedDocumentId,
			"synced_at":          entry.SyncedAt,
		}).Error
}

func (m *Mirror) upsertDocument(ctx context.Context, tx *gorm.DB, runId uint, candidate *models.DocumentCandidate) error {
	logger := config.GetLogger()

	var existing models.DocumentCandidate
	err := tx.Where("external_doc_id = ?", candidate.ExternalDocId).Take(&existing).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	if err == nil {
		// Terminal states are never reopened by a refresh.
		if existing.Status == models.DocumentStatusLinked || existing.Status == models.DocumentStatusIgnored {
			return nil
		}
		return tx.Model(&models.DocumentCandidate{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"source_hash":   candidate.SourceHash,
				"fingerprint":   candidate.Fingerprint,
				"title":         candidate.Title,
				"description":   candidate.Description,
				"counterparty":  candidate.Counterparty,
				"amount":        candidate.Amount,
				"currency":      candidate.Currency,
				"document_date": candidate.DocumentDate,
			}).Error
	}

	// New document: a fingerprint held by a different document is an identity
	// collision. Quarantine both sides instead of merging.
	var collided models.DocumentCandidate
	err = tx.Where("fingerprint = ? AND external_doc_id <> ?", candidate.Fingerprint, candidate.ExternalDocId).
		Take(&collided).Error
	if err == nil {
		reason := "fingerprint collision with document " + itoa(collided.ExternalDocId)
		candidate.Status = models.DocumentStatusQuarantined
		candidate.QuarantineReason = &reason
		candidate.Fingerprint = candidate.Fingerprint + "#doc" + itoa(candidate.ExternalDocId)

		otherReason := "fingerprint collision with document " + itoa(candidate.ExternalDocId)
		if updErr := tx.Model(&models.DocumentCandidate{}).
			Where("id = ?", collided.ID).
			Updates(map[string]interface{}{
				"status":            models.DocumentStatusQuarantined,
				"quarantine_reason": otherReason,
			}).Error; updErr != nil {
			return updErr
		}

		collisionErr := &utils.IdentityCollisionError{
			Fingerprint: collided.Fingerprint,
			DocumentIDs: []uint{collided.ExternalDocId, candidate.ExternalDocId},
		}
		config.LogError(logger, moduleName, "upsertDocument", "identity collision quarantined", candidate.ExternalDocId, collisionErr)
		_ = createRunError(ctx, tx, runId, "document", itoa(candidate.ExternalDocId), runErrorCode(collisionErr), collisionErr.Error(), false)
	} else if err != gorm.ErrRecordNotFound {
		return err
	}

	createErr := tx.Create(candidate).Error
	if createErr != nil && utils.IsDuplicateKeyError(createErr) {
		// Concurrent refresh raced us on external_doc_id; treat as applied.
		return nil
	}
	return createErr
}

// runErrorCode maps a per-item failure to the error_code recorded on the run.
func runErrorCode(err error) string {
	switch {
	case utils.IsIdentityCollisionError(err):
		return "identity_collision"
	case utils.IsValidationError(err):
		return "invalid_payload"
	default:
		return "write_failed"
	}
}

func createRunError(ctx context.Context, tx *gorm.DB, runId uint, itemType, itemRef, code, message string, retryable bool) error {
	if runId == 0 {
		return nil
	}
	rec := models.ReconciliationRunError{
		RunId:     runId,
		ItemType:  itemType,
		ItemRef:   itemRef,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	}
	return tx.WithContext(ctx).Create(&rec).Error
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if len(value) >= 10 {
		if t, err := time.Parse("2006-01-02", value[:10]); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Time{}, utils.NewValidationError("date", "unparseable date: "+value)
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
