package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 角色改名：PUT /v1/api/projects/:project_id/characters/rename
func (h *Handler) RenameCharacter(c *gin.Context) {
	var req struct {
		OldName string `json:"old_name" binding:"required"`
		NewName string `json:"new_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := h.Pipeline.RenameCharacter(c.Request.Context(), c.Param("project_id"), req.OldName, req.NewName)
	if err != nil {
		h.fail(c, "角色改名失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"character": ch})
}

// 上传参考图：PUT /v1/api/projects/:project_id/characters/:character_id/reference
func (h *Handler) SetReferenceImage(c *gin.Context) {
	var req struct {
		ImageURL string `json:"image_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := h.Pipeline.SetReferenceImage(c.Request.Context(), c.Param("project_id"), c.Param("character_id"), req.ImageURL)
	if err != nil {
		h.fail(c, "设置参考图失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"character": ch})
}
