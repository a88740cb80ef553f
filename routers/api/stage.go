package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 提交阶段：POST /v1/api/projects/:project_id/stages/:stage
func (h *Handler) SubmitStage(c *gin.Context) {
	projectID, stage := c.Param("project_id"), c.Param("stage")
	if err := h.Pipeline.SubmitStage(c.Request.Context(), projectID, stage); err != nil {
		h.fail(c, "提交阶段失败", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "stage": stage})
}

// 合成成片：POST /v1/api/projects/:project_id/compose
func (h *Handler) Compose(c *gin.Context) {
	projectID := c.Param("project_id")
	if err := h.Pipeline.Compose(c.Request.Context(), projectID); err != nil {
		h.fail(c, "提交合成失败", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"project_id": projectID, "stage": "compose"})
}

// 查询阶段状态：GET /v1/api/projects/:project_id/stages/:stage
func (h *Handler) GetStageStatus(c *gin.Context) {
	st, err := h.Pipeline.StageStatus(c.Request.Context(), c.Param("project_id"), c.Param("stage"))
	if err != nil {
		h.fail(c, "查询阶段状态失败", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// 单镜头重新生成：POST /v1/api/projects/:project_id/stages/:stage/shots/:shot_number/retry
func (h *Handler) RegenerateShot(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("shot_number"))
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shot number"})
		return
	}
	if err := h.Pipeline.RegenerateShot(c.Request.Context(), c.Param("project_id"), c.Param("stage"), n); err != nil {
		h.fail(c, "重新生成失败", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"shot_number": n})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 阶段进度 WebSocket 推送：以数据库为来源，签名变化时推送，全部结束后关闭
func (h *Handler) StageProgressWebSocket(c *gin.Context) {
	projectID, stage := c.Param("project_id"), c.Param("stage")
	ctx := c.Request.Context()

	// 先读一次，阶段不存在时直接返回错误而不升级
	st, err := h.Pipeline.StageStatus(ctx, projectID, stage)
	if err != nil {
		h.fail(c, "查询阶段状态失败", err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("WebSocket升级失败")
		return
	}
	defer conn.Close()

	// 读协程只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(st); err != nil {
		return
	}
	prev := st.Signature
	if st.CanProceed {
		return
	}

	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := h.Pipeline.StageStatus(ctx, projectID, stage)
		if err != nil {
			// 查询失败继续重试
			continue
		}
		if cur.Signature != prev {
			if err := conn.WriteJSON(cur); err != nil {
				return
			}
			prev = cur.Signature
		}
		if cur.CanProceed {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stage finished"))
			return
		}
	}
}
