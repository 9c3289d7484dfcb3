package reconcile

import (
	"time"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
)

type TriggerRunRequest struct {
	TriggeredBy string `json:"triggeredBy"`
}

type RunHistoryResponse struct {
	Items []RunResponse `json:"items"`
}

type RunResponse struct {
	ID               uint    `json:"id"`
	State            string  `json:"state"`
	TriggeredBy      string  `json:"triggeredBy"`
	StartedAt        *string `json:"startedAt"`
	FinishedAt       *string `json:"finishedAt"`
	DurationMs       int64   `json:"durationMs"`
	DocumentsSeen    int     `json:"documentsSeen"`
	EntriesSeen      int     `json:"entriesSeen"`
	ProposalsCreated int     `json:"proposalsCreated"`
	AutoLinked       int     `json:"autoLinked"`
	Quarantined      int     `json:"quarantined"`
	ErrorCount       int     `json:"errorCount"`
	FailureReason    *string `json:"failureReason"`
}

type RunDetailResponse struct {
	RunResponse
	Errors []RunErrorResponse `json:"errors"`
}

type RunErrorResponse struct {
	ID        uint   `json:"id"`
	ItemType  string `json:"itemType"`
	ItemRef   string `json:"itemRef"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ProposalListResponse struct {
	Items []ProposalResponse `json:"items"`
}

type ProposalResponse struct {
	ID            uint     `json:"id"`
	DocumentId    uint     `json:"documentId"`
	LedgerEntryId uint     `json:"ledgerEntryId"`
	RunId         uint     `json:"runId"`
	Score         float64  `json:"score"`
	Ambiguous     bool     `json:"ambiguous"`
	Status        string   `json:"status"`
	Reasons       []string `json:"reasons"`
	DecidedBy     *string  `json:"decidedBy"`
	DecidedAt     *string  `json:"decidedAt"`
}

type DecisionRequest struct {
	DecidedBy string `json:"decidedBy" binding:"required"`
}

type ManualLinkRequest struct {
	DocumentId    uint   `json:"documentId" binding:"required"`
	LedgerEntryId uint   `json:"ledgerEntryId" binding:"required"`
	DecidedBy     string `json:"decidedBy" binding:"required"`
}

type CreateEntryRequest struct {
	Confirm   bool   `json:"confirm"`
	DecidedBy string `json:"decidedBy" binding:"required"`
}

type AuditHistoryResponse struct {
	Items []AuditEntryResponse `json:"items"`
}

type AuditEntryResponse struct {
	ID             uint     `json:"id"`
	DocumentId     *uint    `json:"documentId"`
	RunId          *uint    `json:"runId"`
	LedgerEntryId  *uint    `json:"ledgerEntryId"`
	Score          *float64 `json:"score"`
	DecisionSource string   `json:"decisionSource"`
	Outcome        string   `json:"outcome"`
	WriteAction    string   `json:"writeAction"`
	CreatedAt      string   `json:"createdAt"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type RunPubSubPayload struct {
	RunId uint `json:"run_id"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.ReconciliationRun) RunResponse {
	return RunResponse{
		ID:               run.ID,
		State:            string(run.State),
		TriggeredBy:      run.TriggeredBy,
		StartedAt:        formatTime(run.StartedAt),
		FinishedAt:       formatTime(run.FinishedAt),
		DurationMs:       run.DurationMs,
		DocumentsSeen:    run.DocumentsSeen,
		EntriesSeen:      run.EntriesSeen,
		ProposalsCreated: run.ProposalsCreated,
		AutoLinked:       run.AutoLinked,
		Quarantined:      run.Quarantined,
		ErrorCount:       run.ErrorCount,
		FailureReason:    run.FailureReason,
	}
}

func mapRunErrors(errorsList []models.ReconciliationRunError) []RunErrorResponse {
	out := make([]RunErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, RunErrorResponse{
			ID:        errItem.ID,
			ItemType:  errItem.ItemType,
			ItemRef:   errItem.ItemRef,
			ErrorCode: errItem.ErrorCode,
			Message:   errItem.Message,
			Retryable: errItem.Retryable,
		})
	}
	return out
}
