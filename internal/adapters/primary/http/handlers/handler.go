package handlers

import (
	"ml-pipelines/internal/core/services"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	runSvc     *services.RunService
	versionSvc *services.ModelVersionService
	deploySvc  *services.DeployService
}

func New(
	runSvc *services.RunService,
	versionSvc *services.ModelVersionService,
	deploySvc *services.DeployService,
) *Handler {
	return &Handler{
		runSvc:     runSvc,
		versionSvc: versionSvc,
		deploySvc:  deploySvc,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	// Pipeline Runs
	r.GET("/runs", h.ListRuns)
	r.GET("/runs/:id", h.GetRun)
	r.GET("/runs/:id/artifacts", h.ListRunArtifacts)

	// Model Versions
	r.GET("/model_versions", h.ListModelVersions)
	r.GET("/model_versions/:id", h.GetModelVersion)

	// Prediction Services
	r.GET("/prediction_services", h.ListPredictionServices)
	r.POST("/prediction_services/:id/stop", h.StopPredictionService)
}
