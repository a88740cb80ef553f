package routers

import (
	"github.com/gin-gonic/gin"

	"VideoAgent-server/routers/api"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.POST("/projects/:project_id/analyze", h.AnalyzeProject)
		v1.POST("/projects/:project_id/stages/:stage", h.SubmitStage)
		v1.GET("/projects/:project_id/stages/:stage", h.GetStageStatus)
		v1.POST("/projects/:project_id/stages/:stage/shots/:shot_number/retry", h.RegenerateShot)
		v1.POST("/projects/:project_id/compose", h.Compose)
		v1.PUT("/projects/:project_id/characters/rename", h.RenameCharacter)
		v1.PUT("/projects/:project_id/characters/:character_id/reference", h.SetReferenceImage)
	}
	r.GET("/projects/:project_id/stages/:stage/wss", h.StageProgressWebSocket)
	return r
}
