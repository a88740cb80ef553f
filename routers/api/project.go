package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"VideoAgent-server/models"
)

// 创建项目：POST /v1/api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req struct {
		Title          string  `json:"title"`
		Mode           string  `json:"mode"`
		Script         string  `json:"script"`
		SourceVideoURL string  `json:"source_video_url"`
		StoryStyle     string  `json:"story_style"`
		ImageStyle     string  `json:"image_style"`
		AspectRatio    string  `json:"aspect_ratio"`
		Duration       float64 `json:"duration"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project := models.Project{
		Title:          req.Title,
		Mode:           req.Mode,
		Script:         req.Script,
		SourceVideoURL: req.SourceVideoURL,
		StoryStyle:     req.StoryStyle,
		ImageStyle:     req.ImageStyle,
		AspectRatio:    req.AspectRatio,
		Duration:       req.Duration,
	}
	if err := h.Pipeline.CreateProject(c.Request.Context(), &project); err != nil {
		h.fail(c, "创建项目失败", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

// 获取项目详情：项目 + 分镜 + 角色
func (h *Handler) GetProject(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("project_id")
	project, err := h.Pipeline.GetProject(ctx, id)
	if err != nil {
		h.fail(c, "获取项目失败", err)
		return
	}
	shots, err := h.Pipeline.ListShots(ctx, id)
	if err != nil {
		h.fail(c, "获取分镜失败", err)
		return
	}
	chars, err := h.Pipeline.ListCharacters(ctx, id)
	if err != nil {
		h.fail(c, "获取角色失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "shots": shots, "characters": chars})
}

// 剧本拆解：POST /v1/api/projects/:project_id/analyze，同步返回修复后的分镜
func (h *Handler) AnalyzeProject(c *gin.Context) {
	res, err := h.Pipeline.AnalyzeScript(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		h.fail(c, "剧本分析失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": res})
}
