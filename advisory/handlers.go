package advisory

import (
	"errors"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/ledgerlink_backend/models"
	"bitbucket.org/mmdatafocus/ledgerlink_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterRoutes wires the advisory surface. Suggestions are read-only hints;
// nothing here can link anything.
func RegisterRoutes(r *gin.Engine, svc *Service) {
	api := r.Group("/api/advisory")
	api.POST("/documents/:id/jobs", EnqueueHandler(svc))
	api.GET("/documents/:id/suggestion", SuggestionHandler(svc))
}

func EnqueueHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}

		var doc models.DocumentCandidate
		if err := svc.db.WithContext(c.Request.Context()).Take(&doc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		job, err := svc.Enqueue(c.Request.Context(), &doc)
		if err != nil {
			if utils.IsValidationError(err) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobId": job.ID, "status": job.Status})
	}
}

func SuggestionHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
			return
		}

		sug, err := svc.SuggestionFor(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sug == nil {
			c.JSON(http.StatusOK, gin.H{"suggestion": nil, "corroborated": false})
			return
		}

		proposal, ok := svc.Corroborated(c.Request.Context(), uint(id), sug)
		resp := gin.H{"suggestion": sug, "corroborated": ok}
		if ok {
			resp["proposalId"] = proposal.ID
		}
		c.JSON(http.StatusOK, resp)
	}
}
