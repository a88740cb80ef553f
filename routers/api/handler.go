package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"VideoAgent-server/identity"
	"VideoAgent-server/models"
	"VideoAgent-server/repair"
	"VideoAgent-server/resilient"
	"VideoAgent-server/service"
	"VideoAgent-server/tracker"
)

// Pipeline is what the HTTP layer needs from the service.
type Pipeline interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	AnalyzeScript(ctx context.Context, projectID string) (*service.Analysis, error)
	ListShots(ctx context.Context, projectID string) ([]models.Shot, error)
	ListCharacters(ctx context.Context, projectID string) ([]models.Character, error)
	SubmitStage(ctx context.Context, projectID, stage string) error
	StageStatus(ctx context.Context, projectID, stage string) (*service.StageStatus, error)
	RegenerateShot(ctx context.Context, projectID, stage string, ordinal int) error
	Compose(ctx context.Context, projectID string) error
	RenameCharacter(ctx context.Context, projectID, oldName, newName string) (models.Character, error)
	SetReferenceImage(ctx context.Context, projectID, characterID, imageURL string) (models.Character, error)
}

var _ Pipeline = (*service.Processor)(nil)

type Handler struct {
	Pipeline Pipeline
	// PollInterval 是 WebSocket 推送时读取阶段状态的间隔
	PollInterval time.Duration
	Logger       zerolog.Logger
}

func NewHandler(p Pipeline, pollInterval time.Duration, logger zerolog.Logger) *Handler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Handler{Pipeline: p, PollInterval: pollInterval, Logger: logger}
}

// statusOf 把领域错误映射为 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStageAlreadyStarted),
		errors.Is(err, identity.ErrIdentityConflict),
		errors.Is(err, tracker.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidStage),
		errors.Is(err, service.ErrInvalidProject):
		return http.StatusBadRequest
	case errors.Is(err, repair.ErrMalformedResponse),
		errors.Is(err, resilient.ErrMalformedResponse),
		resilient.IsRetryable(err),
		errors.Is(err, resilient.ErrClient):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	c.JSON(code, gin.H{"error": msg + ": " + err.Error()})
}
