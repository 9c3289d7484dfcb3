package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterRoutes wires the reconciliation HTTP surface onto the router.
func RegisterRoutes(r *gin.Engine, orch *Orchestrator) {
	api := r.Group("/api/reconciliation")
	api.POST("/runs", TriggerRunHandler(orch))
	api.GET("/runs", RunHistoryHandler(orch))
	api.GET("/runs/:id", RunDetailHandler(orch))
	api.GET("/proposals", ProposalsHandler(orch))
	api.POST("/proposals/:id/accept", AcceptProposalHandler(orch))
	api.POST("/proposals/:id/reject", RejectProposalHandler(orch))
	api.POST("/links", ManualLinkHandler(orch))
	api.POST("/documents/:id/create-entry", CreateEntryHandler(orch))
	api.POST("/documents/:id/reinterpret", ReinterpretHandler(orch))
	api.GET("/documents/:id/audit", DocumentAuditHandler(orch))
	api.GET("/entries/:id/audit", LedgerEntryAuditHandler(orch))

	r.POST("/pubsub/reconciliation-run", PubSubPushHandler(orch))
}

func TriggerRunHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRunRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondBindError(c, err, "invalid request")
				return
			}
		}

		run, err := orch.StartRun(c.Request.Context(), strings.TrimSpace(req.TriggeredBy))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishRun(c.Request.Context(), run.ID); err != nil {
			// No broker available (local runs, tests): execute in-process.
			go func() {
				_ = orch.Execute(context.Background(), run.ID)
			}()
		}

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func RunHistoryHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		var runs []models.ReconciliationRun
		if err := orch.db.WithContext(c.Request.Context()).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, RunHistoryResponse{Items: items})
	}
}

func RunDetailHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := orch.db.WithContext(c.Request.Context())
		var run models.ReconciliationRun
		if err := db.Take(&run, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.ReconciliationRunError
		if err := db.Where("run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, RunDetailResponse{
			RunResponse: mapRunToResponse(run),
			Errors:      mapRunErrors(errs),
		})
	}
}

func ProposalsHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		db := orch.db.WithContext(c.Request.Context())

		status := strings.ToUpper(strings.TrimSpace(c.Query("status")))
		if status == "" {
			status = string(models.ProposalStatusPending)
		}

		limit := 50
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}

		dbCtx := db.Where("status = ?", status)
		if v := strings.TrimSpace(c.Query("document_id")); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				dbCtx = dbCtx.Where("document_id = ?", n)
			}
		}

		var proposals []models.MatchProposal
		if err := dbCtx.Order("score desc, id asc").Limit(limit).Find(&proposals).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]ProposalResponse, 0, len(proposals))
		for _, p := range proposals {
			items = append(items, mapProposalToResponse(p))
		}
		c.JSON(http.StatusOK, ProposalListResponse{Items: items})
	}
}

func AcceptProposalHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal id"})
			return
		}

		var req DecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err, "decidedBy is required")
			return
		}

		record, err := orch.AcceptProposal(c.Request.Context(), uint(id), req.DecidedBy)
		if err != nil {
			respondDecisionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"linkageId": record.ID})
	}
}

func RejectProposalHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal id"})
			return
		}

		var req DecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err, "decidedBy is required")
			return
		}

		if err := orch.RejectProposal(c.Request.Context(), uint(id), req.DecidedBy); err != nil {
			respondDecisionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ManualLinkHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ManualLinkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err, "documentId, ledgerEntryId and decidedBy are required")
			return
		}

		record, err := orch.ManualLink(c.Request.Context(), req.DocumentId, req.LedgerEntryId, req.DecidedBy)
		if err != nil {
			respondDecisionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"linkageId": record.ID})
	}
}

func CreateEntryHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}

		var req CreateEntryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err, "decidedBy is required")
			return
		}

		record, err := orch.CreateEntryFromDocument(c.Request.Context(), uint(id), req.DecidedBy, req.Confirm)
		if err != nil {
			respondDecisionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"linkageId": record.ID})
	}
}

func ReinterpretHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}

		items, err := orch.ReinterpretDocument(c.Request.Context(), uint(id))
		if err != nil {
			respondDecisionError(c, err)
			return
		}
		c.JSON(http.StatusOK, ProposalListResponse{Items: items})
	}
}

func DocumentAuditHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}

		rows, err := orch.audit.HistoryForDocument(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapAuditHistory(rows))
	}
}

func LedgerEntryAuditHandler(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ledger entry id"})
			return
		}

		rows, err := orch.audit.HistoryForLedgerEntry(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapAuditHistory(rows))
	}
}

func mapAuditHistory(rows []models.InterpretationRun) AuditHistoryResponse {
	items := make([]AuditEntryResponse, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapAuditToResponse(row))
	}
	return AuditHistoryResponse{Items: items}
}

func respondBindError(c *gin.Context, err error, hint string) {
	if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": hint, "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": hint})
}

func respondDecisionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case utils.IsValidationError(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case utils.IsDuplicateLinkageError(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case utils.IsConnectivityError(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
