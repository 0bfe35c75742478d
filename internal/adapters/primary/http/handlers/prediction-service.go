package handlers

import (
	"net/http"

	"ml-pipelines/internal/adapters/primary/http/dto"
	"ml-pipelines/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) ListPredictionServices(c *gin.Context) {
	query := domain.ServiceQuery{
		PipelineName: c.Query("pipeline_name"),
		StepName:     c.Query("step_name"),
		ModelName:    c.Query("model_name"),
		Running:      c.Query("running") == "true",
	}

	services, err := h.deploySvc.FindModelServer(c.Request.Context(), query)
	if err != nil {
		log.WithError(err).Error("list prediction services failed")
		mapDomainError(c, err)
		return
	}

	items := make([]dto.PredictionServiceResponse, 0, len(services))
	for _, s := range services {
		items = append(items, dto.ToPredictionServiceResponse(s))
	}

	c.JSON(http.StatusOK, dto.ListPredictionServicesResponse{
		Items: items,
		Total: len(items),
	})
}

func (h *Handler) StopPredictionService(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prediction service id"})
		return
	}

	var req dto.StopServiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	svc, err := h.deploySvc.GetService(c.Request.Context(), id)
	if err != nil {
		mapDomainError(c, err)
		return
	}

	if err := h.deploySvc.StopService(c.Request.Context(), svc, req.Timeout()); err != nil {
		mapDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ToPredictionServiceResponse(svc))
}
