package models

import "time"

// 生成任务状态
const (
	ArtifactStatusPending    = "pending"
	ArtifactStatusGenerating = "generating"
	ArtifactStatusSuccess    = "success"
	ArtifactStatusFailed     = "failed"
)

// Artifact 记录某个阶段中一个镜头（或角色）的生成任务。
// ShotNumber 在 characters 阶段表示角色序号。
type Artifact struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID  string    `gorm:"uniqueIndex:idx_artifact_slot;type:varchar(64)" json:"project_id"`
	Stage      string    `gorm:"uniqueIndex:idx_artifact_slot;type:varchar(16)" json:"stage"`
	ShotNumber int       `gorm:"uniqueIndex:idx_artifact_slot" json:"shot_number"`
	Status     string    `gorm:"type:varchar(16)" json:"status"`
	JobID      string    `json:"job_id,omitempty"`
	Prompt     string    `gorm:"type:text" json:"prompt,omitempty"`
	OutputURL  string    `json:"output_url,omitempty"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	// 由写入方给出，合并时以此判断新旧，不让 gorm 自动覆盖
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// StageKey identifies one stage of one project.
type StageKey struct {
	ProjectID string
	Stage     string
}

func (Artifact) TableName() string {
	return "artifact"
}

// Terminal reports whether no further transition happens without a retry.
func (a Artifact) Terminal() bool {
	return a.Status == ArtifactStatusSuccess || a.Status == ArtifactStatusFailed
}

// StageRun 是阶段提交的持久化幂等令牌，(project_id, stage) 唯一
type StageRun struct {
	ProjectID string    `gorm:"primaryKey;type:varchar(64)"`
	Stage     string    `gorm:"primaryKey;type:varchar(16)"`
	Token     string    `gorm:"type:varchar(64)"`
	CreatedAt time.Time
}

func (StageRun) TableName() string {
	return "stage_run"
}
