package reconcile

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/ledgersync"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/matching"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const moduleName = "Reconcile"

// Orchestrator drives one reconciliation run through its states:
// SYNCING -> MATCHING -> PROPOSING -> AUTO_LINKING -> COMPLETED, or FAILED
// when connectivity breaks. Per-item failures are recorded on the run and
// never abort it.
type Orchestrator struct {
	db     *gorm.DB
	mirror *ledgersync.Mirror
	engine *matching.Engine
	writer *LinkageWriter
	audit  *AuditRecorder
}

func NewOrchestrator(db *gorm.DB, mirror *ledgersync.Mirror, engine *matching.Engine) *Orchestrator {
	return &Orchestrator{
		db:     db,
		mirror: mirror,
		engine: engine,
		writer: NewLinkageWriter(db, mirror.Ledger()),
		audit:  NewAuditRecorder(db),
	}
}

func (o *Orchestrator) Audit() *AuditRecorder {
	return o.audit
}

// StartRun creates a queued run row. Execution happens out of band, either via
// the Pub/Sub worker or an explicit Execute call.
func (o *Orchestrator) StartRun(ctx context.Context, triggeredBy string) (*models.ReconciliationRun, error) {
	if triggeredBy == "" {
		triggeredBy = models.RunTriggeredManual
	}
	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}

	run := models.ReconciliationRun{
		State:         models.ReconRunStateSyncing,
		TriggeredBy:   triggeredBy,
		CorrelationId: correlationId,
	}
	if err := o.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// Execute runs the pipeline for the given run. Redelivery of a terminal run is
// a no-op, so the worker can be called at-least-once.
func (o *Orchestrator) Execute(ctx context.Context, runId uint) error {
	logger := config.GetLogger()
	db := o.db.WithContext(ctx)

	var run models.ReconciliationRun
	if err := db.Take(&run, runId).Error; err != nil {
		return err
	}
	if run.State == models.ReconRunStateCompleted || run.State == models.ReconRunStateFailed {
		return nil
	}

	// GET_LOCK is session-scoped: acquire and release must happen on the same
	// pinned connection, not on arbitrary pool connections.
	return db.Connection(func(lockConn *gorm.DB) error {
		if err := AcquireRunLock(lockConn); err != nil {
			config.LogError(logger, moduleName, "Execute", "run lock not acquired", runId, err)
			return utils.ErrorRunInProgress
		}
		defer ReleaseRunLock(lockConn)

		return o.runPipeline(ctx, &run)
	})
}

func (o *Orchestrator) runPipeline(ctx context.Context, run *models.ReconciliationRun) error {
	logger := config.GetLogger()
	ctx = utils.SetCorrelationIdInContext(ctx, run.CorrelationId)
	db := o.db.WithContext(ctx)

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(run).Updates(map[string]interface{}{
		"state":      models.ReconRunStateSyncing,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	cursor := o.loadCursor(ctx, run)

	// SYNCING
	entriesSeen, ledgerCursor, err := o.mirror.RefreshLedger(ctx, run.ID, cursor.Ledger)
	cursor.Ledger = ledgerCursor
	if err != nil {
		return o.failRun(ctx, run, startedAt, cursor, err)
	}
	docsSeen, docCursor, err := o.mirror.RefreshDocuments(ctx, run.ID, config.DocumentTag(), cursor.Documents)
	cursor.Documents = docCursor
	if err != nil {
		return o.failRun(ctx, run, startedAt, cursor, err)
	}

	// MATCHING
	if err := o.setState(ctx, run, models.ReconRunStateMatching); err != nil {
		return err
	}
	docs, err := o.mirror.UnresolvedDocuments(ctx)
	if err != nil {
		return o.failRun(ctx, run, startedAt, cursor, utils.NewConnectivityError("load documents", err))
	}
	entries, err := o.mirror.Unlinked(ctx, time.Time{})
	if err != nil {
		return o.failRun(ctx, run, startedAt, cursor, utils.NewConnectivityError("load ledger entries", err))
	}

	candidates := make(map[uint][]matching.Candidate, len(docs))
	for _, doc := range docs {
		candidates[doc.ID] = o.engine.Match(doc, entries)
	}

	// PROPOSING
	if err := o.setState(ctx, run, models.ReconRunStateProposing); err != nil {
		return err
	}
	proposalsCreated := 0
	for _, doc := range docs {
		cands := candidates[doc.ID]
		if len(cands) == 0 {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			for _, c := range cands {
				created, err := UpsertProposal(tx, run.ID, c)
				if err != nil {
					return err
				}
				if created {
					proposalsCreated++
				}
			}
			if doc.Status == models.DocumentStatusPending {
				return tx.Model(&models.DocumentCandidate{}).
					Where("id = ?", doc.ID).
					Update("status", models.DocumentStatusProposed).Error
			}
			return nil
		})
		if err != nil {
			config.LogError(logger, moduleName, "runPipeline", "proposal write failed", doc.ExternalDocId, err)
			_ = o.createRunError(ctx, run.ID, "document", itoa(doc.ExternalDocId), "proposal_failed", err.Error(), true)
		}
	}

	// AUTO_LINKING
	if err := o.setState(ctx, run, models.ReconRunStateAutoLinking); err != nil {
		return err
	}
	autoLinked := o.autoLink(ctx, run)

	// COMPLETED
	return o.completeRun(ctx, run, startedAt, cursor, runTotals{
		EntriesSeen:      entriesSeen,
		DocumentsSeen:    docsSeen,
		ProposalsCreated: proposalsCreated,
		AutoLinked:       autoLinked,
	})
}

// autoLink links every proposal that selectAutoLinks deems safe. A failed
// write is recorded and skipped; the proposal stays PENDING for review.
func (o *Orchestrator) autoLink(ctx context.Context, run *models.ReconciliationRun) int {
	logger := config.GetLogger()
	db := o.db.WithContext(ctx)

	var pending []models.MatchProposal
	if err := db.Where("status = ?", models.ProposalStatusPending).
		Order("id ASC").
		Find(&pending).Error; err != nil {
		config.LogError(logger, moduleName, "autoLink", "could not load pending proposals", run.ID, err)
		return 0
	}

	linked := 0
	for _, p := range selectAutoLinks(pending, o.engine.Policy()) {
		var doc models.DocumentCandidate
		if err := db.Take(&doc, p.DocumentId).Error; err != nil {
			_ = o.createRunError(ctx, run.ID, "proposal", itoa(p.ID), "document_missing", err.Error(), false)
			continue
		}
		var entry models.LedgerEntry
		if err := db.Take(&entry, p.LedgerEntryId).Error; err != nil {
			_ = o.createRunError(ctx, run.ID, "proposal", itoa(p.ID), "ledger_entry_missing", err.Error(), false)
			continue
		}

		proposalId := p.ID
		runId := run.ID
		_, err := o.writer.Link(ctx, &doc, &entry, models.LinkMethodAuto, models.DecisionSourceAuto, &proposalId, &runId)
		if err != nil {
			code := "link_failed"
			if utils.IsDuplicateLinkageError(err) {
				code = "duplicate_linkage"
			}
			config.LogError(logger, moduleName, "autoLink", "auto-link failed", p.ID, err)
			_ = o.createRunError(ctx, run.ID, "proposal", itoa(p.ID), code, err.Error(), utils.IsConnectivityError(err))
			continue
		}

		now := time.Now()
		decidedBy := "system"
		if err := db.Model(&models.MatchProposal{}).
			Where("id = ?", p.ID).
			Updates(map[string]interface{}{
				"status":     models.ProposalStatusAutoLinked,
				"decided_by": decidedBy,
				"decided_at": now,
			}).Error; err != nil {
			config.LogError(logger, moduleName, "autoLink", "proposal status update failed", p.ID, err)
		}

		score := p.Score
		_ = o.audit.Record(ctx, Decision{
			DocumentId:    doc.ID,
			RunId:         &runId,
			LedgerEntryId: &entry.ID,
			Inputs:        linkInputs(&doc, &entry),
			RulesApplied:  decodeReasons(p.ReasonsJSON),
			Score:         &score,
			Source:        models.DecisionSourceAuto,
			Outcome:       "auto_linked",
			WriteAction:   models.LedgerWriteActionUpdateLinkage,
		})
		linked++
	}
	return linked
}

// selectAutoLinks picks the proposals safe to link without review. A proposal
// qualifies when its score meets the threshold and it is not flagged
// ambiguous; it is selected only if neither its document nor its ledger entry
// appears in any other qualifying proposal. Output order is deterministic:
// score descending, then proposal id.
func selectAutoLinks(pending []models.MatchProposal, policy matching.Policy) []models.MatchProposal {
	var qualifying []models.MatchProposal
	docCount := make(map[uint]int)
	entryCount := make(map[uint]int)
	for _, p := range pending {
		if p.Status != models.ProposalStatusPending {
			continue
		}
		if p.Ambiguous || p.Score < policy.AutoLinkThreshold {
			continue
		}
		qualifying = append(qualifying, p)
		docCount[p.DocumentId]++
		entryCount[p.LedgerEntryId]++
	}

	var selected []models.MatchProposal
	for _, p := range qualifying {
		if docCount[p.DocumentId] == 1 && entryCount[p.LedgerEntryId] == 1 {
			selected = append(selected, p)
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Score != selected[j].Score {
			return selected[i].Score > selected[j].Score
		}
		return selected[i].ID < selected[j].ID
	})
	return selected
}

type runTotals struct {
	EntriesSeen      int
	DocumentsSeen    int
	ProposalsCreated int
	AutoLinked       int
}

func (o *Orchestrator) completeRun(ctx context.Context, run *models.ReconciliationRun, startedAt *time.Time,
	cursor ledgersync.CursorState, totals runTotals) error {

	db := o.db.WithContext(ctx)
	finishedAt := time.Now()
	durationMs := finishedAt.Sub(*startedAt).Milliseconds()

	var errorCount int64
	_ = db.Model(&models.ReconciliationRunError{}).Where("run_id = ?", run.ID).Count(&errorCount).Error
	var quarantined int64
	_ = db.Model(&models.ReconciliationRunError{}).
		Where("run_id = ? AND error_code = ?", run.ID, "identity_collision").
		Count(&quarantined).Error

	stats := map[string]int{
		"entries_seen":      totals.EntriesSeen,
		"documents_seen":    totals.DocumentsSeen,
		"proposals_created": totals.ProposalsCreated,
		"auto_linked":       totals.AutoLinked,
		"quarantined":       int(quarantined),
		"errors":            int(errorCount),
	}
	statsJSON, _ := json.Marshal(stats)

	if err := db.Model(run).Updates(map[string]interface{}{
		"state":             models.ReconRunStateCompleted,
		"finished_at":       finishedAt,
		"duration_ms":       durationMs,
		"entries_seen":      totals.EntriesSeen,
		"documents_seen":    totals.DocumentsSeen,
		"proposals_created": totals.ProposalsCreated,
		"auto_linked":       totals.AutoLinked,
		"quarantined":       quarantined,
		"error_count":       errorCount,
		"stats_json":        statsJSON,
		"cursor_state_json": ledgersync.EncodeCursorState(cursor),
	}).Error; err != nil {
		return err
	}

	// One run-scoped audit row per run; Execute never re-enters a terminal
	// run, so re-delivery cannot append a second one.
	runId := run.ID
	_ = o.audit.Record(ctx, Decision{
		RunId:       &runId,
		Inputs:      stats,
		Source:      models.DecisionSourceRules,
		Outcome:     "run_completed",
		WriteAction: models.LedgerWriteActionNone,
	})
	return nil
}

// failRun marks the run FAILED, preserving the cursor progress so the next
// run resumes where the refresh stopped instead of replaying applied pages.
func (o *Orchestrator) failRun(ctx context.Context, run *models.ReconciliationRun, startedAt *time.Time,
	cursor ledgersync.CursorState, cause error) error {

	logger := config.GetLogger()
	config.LogError(logger, moduleName, "failRun", "run failed", run.ID, cause)

	db := o.db.WithContext(ctx)
	finishedAt := time.Now()
	durationMs := finishedAt.Sub(*startedAt).Milliseconds()
	reason := cause.Error()

	var errorCount int64
	_ = db.Model(&models.ReconciliationRunError{}).Where("run_id = ?", run.ID).Count(&errorCount).Error

	if err := db.Model(run).Updates(map[string]interface{}{
		"state":             models.ReconRunStateFailed,
		"finished_at":       finishedAt,
		"duration_ms":       durationMs,
		"failure_reason":    reason,
		"error_count":       errorCount,
		"cursor_state_json": ledgersync.EncodeCursorState(cursor),
	}).Error; err != nil {
		return err
	}

	runId := run.ID
	_ = o.audit.Record(ctx, Decision{
		RunId:       &runId,
		Inputs:      map[string]interface{}{"failure_reason": reason, "errors": errorCount},
		Source:      models.DecisionSourceRules,
		Outcome:     "run_failed",
		WriteAction: models.LedgerWriteActionNone,
	})
	return cause
}

func (o *Orchestrator) setState(ctx context.Context, run *models.ReconciliationRun, state models.ReconRunState) error {
	return o.db.WithContext(ctx).Model(run).Update("state", state).Error
}

// loadCursor resumes from the most recent terminal run. A FAILED run stored
// the cursor of its last applied page, so the next run picks up where the
// refresh stopped instead of replaying applied pages.
func (o *Orchestrator) loadCursor(ctx context.Context, run *models.ReconciliationRun) ledgersync.CursorState {
	var last models.ReconciliationRun
	err := o.db.WithContext(ctx).
		Where("state IN ? AND id <> ?",
			[]models.ReconRunState{models.ReconRunStateCompleted, models.ReconRunStateFailed}, run.ID).
		Order("id DESC").
		Take(&last).Error
	if err != nil {
		return ledgersync.CursorState{}
	}
	return ledgersync.DecodeCursorState(last.CursorStateJSON)
}

func (o *Orchestrator) createRunError(ctx context.Context, runId uint, itemType, itemRef, code, message string, retryable bool) error {
	rec := models.ReconciliationRunError{
		RunId:     runId,
		ItemType:  itemType,
		ItemRef:   itemRef,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	}
	return o.db.WithContext(ctx).Create(&rec).Error
}

func linkInputs(doc *models.DocumentCandidate, entry *models.LedgerEntry) map[string]interface{} {
	return map[string]interface{}{
		"document_id":     doc.ExternalDocId,
		"fingerprint":     doc.Fingerprint,
		"document_amount": doc.Amount.StringFixed(2),
		"document_date":   doc.DocumentDate.Format("2006-01-02"),
		"entry_tx_id":     entry.ExternalTxId,
		"entry_amount":    entry.Amount.StringFixed(2),
		"entry_date":      entry.EntryDate.Format("2006-01-02"),
	}
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
