// Package service orchestrates the generation pipeline: script analysis,
// stage submission through the queue, job tracking and result re-hosting.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VideoAgent-server/identity"
	"VideoAgent-server/logging"
	"VideoAgent-server/models"
	"VideoAgent-server/repair"
	"VideoAgent-server/stylelock"
	"VideoAgent-server/tracker"
)

var (
	ErrStageAlreadyStarted = errors.New("stage already started")
	ErrInvalidStage        = errors.New("invalid stage")
	ErrInvalidProject      = errors.New("invalid project")
)

type Options struct {
	PollInterval    time.Duration
	Concurrency     int
	SegmentDuration float64
	MinShotDuration float64
	Logger          *zerolog.Logger
}

// Processor 串起整个生成流水线
type Processor struct {
	Repo     Repository
	Tokens   tracker.TokenStore
	Queue    Queue
	Text     TextGenerator
	Image    JobGenerator
	Video    JobGenerator
	Composer JobGenerator
	// Storage 可为空，此时直接保存外部服务返回的地址
	Storage Uploader
	Pollers *tracker.Registry

	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	castMu sync.Mutex
	casts  map[string]*identity.Cast
}

func NewProcessor(opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = tracker.DefaultPollInterval
	}
	logger := *logging.OrNop(opts.Logger)
	return &Processor{
		Pollers: tracker.NewRegistry(),
		opts:    opts,
		logger:  logger,
		// 数据库 datetime(3) 只保存到毫秒，本地时间同样截断，否则本地写入永远比回读的新
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		casts: make(map[string]*identity.Cast),
	}
}

// CreateProject validates the input and stores a new project.
func (p *Processor) CreateProject(ctx context.Context, pr *models.Project) error {
	switch pr.Mode {
	case "":
		pr.Mode = models.ModeScript
	case models.ModeScript, models.ModeVideo:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidProject, pr.Mode)
	}
	if pr.Mode == models.ModeScript && strings.TrimSpace(pr.Script) == "" {
		return fmt.Errorf("%w: script is empty", ErrInvalidProject)
	}
	if pr.Mode == models.ModeVideo && pr.SourceVideoURL == "" {
		return fmt.Errorf("%w: source video url is empty", ErrInvalidProject)
	}
	if !stylelock.Exists(pr.ImageStyle) {
		pr.ImageStyle = stylelock.DefaultProfile
	}
	switch pr.AspectRatio {
	case "16:9", "9:16":
	case "":
		pr.AspectRatio = "16:9"
	default:
		return fmt.Errorf("%w: aspect ratio %q", ErrInvalidProject, pr.AspectRatio)
	}
	pr.Stage = models.StageAnalysis
	pr.Status = models.ProjectStatusCreated
	if err := p.Repo.CreateProject(ctx, pr); err != nil {
		return fmt.Errorf("创建项目失败: %w", err)
	}
	p.logger.Info().Str("project_id", pr.ID).Str("mode", pr.Mode).Msg("项目已创建")
	return nil
}

func (p *Processor) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return p.Repo.GetProject(ctx, id)
}

// Analysis is the outcome of a script breakdown.
type Analysis struct {
	models.ScriptAnalysis
	Characters []models.Character `json:"cast"`
	Changes    repair.ChangeLog   `json:"changes"`
}

// AnalyzeScript asks the text model for a shot list, repairs it and stores
// shots and characters. Characters whose short name survives keep their ID
// and reference image.
func (p *Processor) AnalyzeScript(ctx context.Context, projectID string) (*Analysis, error) {
	pr, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	log := p.logger.With().Str("project_id", projectID).Str("stage", models.StageAnalysis).Logger()

	content, err := p.Text.Analyze(ctx, AnalysisRequest{
		Script:         pr.Script,
		Duration:       pr.Duration,
		StoryStyle:     pr.StoryStyle,
		Mode:           pr.Mode,
		SourceVideoURL: pr.SourceVideoURL,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := repair.ParseAnalysis(content)
	if err != nil {
		log.Warn().Err(err).Msg("模型输出无法解析")
		return nil, err
	}
	repaired, changes := repair.New(repair.Options{
		Mode:            pr.Mode,
		SegmentDuration: p.opts.SegmentDuration,
		MinShotDuration: p.opts.MinShotDuration,
		Logger:          &log,
	}).Repair(parsed)

	existing, err := p.Repo.GetCharacters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	chars := castFromAnalysis(repaired.Characters, existing, p.now())

	if err := p.Repo.SaveShots(ctx, projectID, repaired.Shots); err != nil {
		return nil, fmt.Errorf("保存分镜失败: %w", err)
	}
	if err := p.Repo.SaveCharacters(ctx, projectID, chars); err != nil {
		return nil, fmt.Errorf("保存角色失败: %w", err)
	}

	stage, status := models.StageCharacters, models.ProjectStatusAnalyzed
	patch := models.ProjectPatch{
		Duration:   &repaired.Duration,
		ShotCount:  &repaired.ShotCount,
		Characters: models.StringList(repaired.Characters),
		Stage:      &stage,
		Status:     &status,
	}
	if pr.StoryStyle == "" && repaired.StoryStyle != "" {
		patch.StoryStyle = &repaired.StoryStyle
	}
	if err := p.Repo.UpdateProject(ctx, projectID, patch); err != nil {
		return nil, fmt.Errorf("更新项目失败: %w", err)
	}
	p.dropCast(projectID)

	log.Info().
		Int("shots", repaired.ShotCount).
		Float64("duration", repaired.Duration).
		Int("changes", len(changes)).
		Msg("剧本分析完成")
	return &Analysis{ScriptAnalysis: repaired, Characters: chars, Changes: changes}, nil
}

// castFromAnalysis maps the model's character list onto stored characters.
func castFromAnalysis(names []string, existing []models.Character, now time.Time) []models.Character {
	out := make([]models.Character, 0, len(names))
	used := map[string]bool{}
	for i, name := range names {
		ch := models.Character{
			Ordinal:   i,
			Name:      name,
			Prompt:    name,
			Source:    models.CharacterSourceGenerated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if id, err := identity.Resolve(identity.ShortName(name), existing); err == nil && !used[id] {
			for _, old := range existing {
				if old.ID != id {
					continue
				}
				ch.ID = old.ID
				ch.ReferenceImage = old.ReferenceImage
				ch.NegativePrompt = old.NegativePrompt
				ch.CreatedAt = old.CreatedAt
				if old.Source != "" {
					ch.Source = old.Source
				}
			}
			used[id] = true
		}
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		out = append(out, ch)
	}
	return out
}
