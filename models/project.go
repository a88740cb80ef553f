package models

import "time"

// 项目输入模式
const (
	ModeScript = "script" // 文本剧本
	ModeVideo  = "video"  // 源视频拆解
)

// 流水线阶段，顺序即向导顺序
const (
	StageAnalysis   = "analysis"
	StageCharacters = "characters"
	StageStoryboard = "storyboard"
	StageVideo      = "video"
	StageCompose    = "compose"
)

// Stages lists the generation stages in wizard order.
var Stages = []string{StageAnalysis, StageCharacters, StageStoryboard, StageVideo, StageCompose}

// 项目状态常量
const (
	ProjectStatusCreated   = "created"   // 项目已创建，未开始任何阶段
	ProjectStatusAnalyzed  = "analyzed"  // 剧本已拆解为分镜
	ProjectStatusRunning   = "running"   // 当前阶段有任务在生成
	ProjectStatusCompleted = "completed" // 当前阶段全部成功
	ProjectStatusPartial   = "partial"   // 当前阶段部分失败，可接受后继续
	ProjectStatusFailed    = "failed"    // 当前阶段全部失败
	ProjectStatusReady     = "ready"     // 成片已合成
)

type Project struct {
	ID             string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title          string     `json:"title"`
	Mode           string     `gorm:"type:varchar(16)" json:"mode"`
	Script         string     `gorm:"type:text" json:"script"`
	SourceVideoURL string     `json:"source_video_url,omitempty"`
	StoryStyle     string     `json:"story_style"`
	ImageStyle     string     `gorm:"type:varchar(32)" json:"image_style"`
	AspectRatio    string     `gorm:"type:varchar(8)" json:"aspect_ratio"`
	Duration       float64    `json:"duration"`
	ShotCount      int        `json:"shot_count"`
	Characters     StringList `gorm:"type:json" json:"characters"`
	Stage          string     `gorm:"type:varchar(16)" json:"stage"`
	Status         string     `gorm:"type:varchar(16)" json:"status"`
	VideoURL       string     `json:"video_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Project) TableName() string {
	return "project"
}

// ProjectPatch 只更新非 nil 字段
type ProjectPatch struct {
	Title       *string
	StoryStyle  *string
	ImageStyle  *string
	AspectRatio *string
	Duration    *float64
	ShotCount   *int
	Characters  StringList
	Stage       *string
	Status      *string
	VideoURL    *string
}
