package advisory

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/config"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const moduleName = "Advisory"
const maxAttempts = 3
const cacheTTL = 24 * time.Hour

// Service runs advisory suggestion jobs strictly out of band. The
// reconciliation pipeline neither waits on it nor changes behavior when it is
// down; its output is only ever surfaced next to proposals the rules produced
// on their own.
type Service struct {
	db       *gorm.DB
	client   AdvisoryAPI
	validate *validator.Validate
}

func NewService(db *gorm.DB, client AdvisoryAPI) *Service {
	return &Service{
		db:       db,
		client:   client,
		validate: validator.New(),
	}
}

// Enqueue queues a suggestion job for a document. Only the redacted matching
// context leaves the system. An open job for the same document is reused.
func (s *Service) Enqueue(ctx context.Context, doc *models.DocumentCandidate) (*models.AdvisoryJob, error) {
	if !config.AdvisoryEnabled() {
		return nil, utils.NewValidationError("advisory", "advisory service is disabled")
	}

	db := s.db.WithContext(ctx)

	var open models.AdvisoryJob
	err := db.Where("document_id = ? AND status IN ?", doc.ID,
		[]models.AdvisoryJobStatus{models.AdvisoryJobStatusQueued, models.AdvisoryJobStatusRunning}).
		Take(&open).Error
	if err == nil {
		return &open, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	payload, _ := json.Marshal(DocumentContext{
		Amount:       doc.Amount.StringFixed(2),
		Date:         doc.DocumentDate.Format("2006-01-02"),
		Counterparty: doc.Counterparty,
		Description:  doc.Description,
	})
	job := models.AdvisoryJob{
		DocumentId:  doc.ID,
		Status:      models.AdvisoryJobStatusQueued,
		PayloadJSON: payload,
	}
	if err := db.Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ProcessPending works through queued jobs. One bad job never stops the
// batch; it is marked and the loop continues. Returns the number of jobs that
// reached a terminal state.
func (s *Service) ProcessPending(ctx context.Context, limit int) int {
	logger := config.GetLogger()
	if s.client == nil {
		// No upstream configured; jobs stay queued until one is.
		return 0
	}
	if limit <= 0 {
		limit = 10
	}

	var jobs []models.AdvisoryJob
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.AdvisoryJobStatusQueued).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		config.LogError(logger, moduleName, "ProcessPending", "could not load queued jobs", limit, err)
		return 0
	}

	done := 0
	for i := range jobs {
		if err := s.processJob(ctx, &jobs[i]); err != nil {
			config.LogError(logger, moduleName, "ProcessPending", "job failed", jobs[i].ID, err)
			continue
		}
		done++
	}
	return done
}

func (s *Service) processJob(ctx context.Context, job *models.AdvisoryJob) error {
	db := s.db.WithContext(ctx)

	attempts := job.Attempts + 1
	if err := db.Model(job).Updates(map[string]interface{}{
		"status":   models.AdvisoryJobStatusRunning,
		"attempts": attempts,
	}).Error; err != nil {
		return err
	}

	var doc DocumentContext
	if err := json.Unmarshal(job.PayloadJSON, &doc); err != nil {
		msg := "invalid payload: " + err.Error()
		return db.Model(job).Updates(map[string]interface{}{
			"status":     models.AdvisoryJobStatusFailed,
			"last_error": &msg,
		}).Error
	}

	suggestion, err := s.client.Suggest(ctx, doc)
	if err != nil {
		msg := err.Error()
		status := models.AdvisoryJobStatusQueued
		if attempts >= maxAttempts {
			status = models.AdvisoryJobStatusFailed
		}
		if updErr := db.Model(job).Updates(map[string]interface{}{
			"status":     status,
			"last_error": &msg,
		}).Error; updErr != nil {
			return updErr
		}
		return err
	}

	// Anything that fails validation is treated as "no suggestion", not as an
	// error worth retrying.
	if suggestion != nil {
		if err := s.validate.Struct(suggestion); err != nil {
			suggestion = nil
		}
	}

	var result []byte
	if suggestion != nil {
		result, _ = json.Marshal(suggestion)
		_ = config.SetRedisObject(cacheKey(job.DocumentId), suggestion, cacheTTL)
	}

	return db.Model(job).Updates(map[string]interface{}{
		"status":      models.AdvisoryJobStatusDone,
		"result_json": result,
		"last_error":  nil,
	}).Error
}

// SuggestionFor returns the latest suggestion for a document, or nil when no
// job produced one.
func (s *Service) SuggestionFor(ctx context.Context, documentId uint) (*Suggestion, error) {
	var cached Suggestion
	if ok, err := config.GetRedisObject(cacheKey(documentId), &cached); err == nil && ok {
		return &cached, nil
	}

	var job models.AdvisoryJob
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND status = ?", documentId, models.AdvisoryJobStatusDone).
		Order("id DESC").
		Take(&job).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSuggestion(job.ResultJSON), nil
}

// Corroborated reports whether the rules independently produced a pending
// proposal for the suggested pair. A suggestion without corroboration is
// display-only and can never carry the ADVISORY decision source.
func (s *Service) Corroborated(ctx context.Context, documentId uint, sug *Suggestion) (*models.MatchProposal, bool) {
	if sug == nil {
		return nil, false
	}
	db := s.db.WithContext(ctx)

	var entry models.LedgerEntry
	if err := db.Where("external_tx_id = ?", sug.LedgerTxId).Take(&entry).Error; err != nil {
		return nil, false
	}

	var proposal models.MatchProposal
	if err := db.Where("document_id = ? AND ledger_entry_id = ? AND status = ?",
		documentId, entry.ID, models.ProposalStatusPending).
		Take(&proposal).Error; err != nil {
		return nil, false
	}
	return &proposal, true
}

// RunWorker polls for queued jobs until the context is canceled. It is a
// no-op loop while the advisory flag is off, so flipping the flag needs no
// restart.
func (s *Service) RunWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !config.AdvisoryEnabled() {
				continue
			}
			s.ProcessPending(ctx, 10)
		}
	}
}

func cacheKey(documentId uint) string {
	return "AdvisorySuggestion:" + strconv.FormatUint(uint64(documentId), 10)
}
