package models

import (
	"time"
)

// Shot JSON 字段名与文本模型输出保持一致
type Shot struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"id,omitempty"`
	ProjectID       string     `gorm:"index;type:varchar(64)" json:"project_id,omitempty"`
	Number          int        `gorm:"column:shot_number" json:"shot_number"`
	TimeRange       string     `gorm:"type:varchar(32)" json:"time_range"`
	Description     string     `gorm:"type:text" json:"description"`
	CameraAngle     string     `json:"camera_angle"`
	CharacterAction string     `gorm:"type:text" json:"character_action"`
	Characters      StringList `gorm:"type:json" json:"characters"`
	Mood            string     `json:"mood"`
	DurationSeconds float64    `json:"duration_seconds"`
	ImageURL        string     `json:"image_url,omitempty"`
	VideoURL        string     `json:"video_url,omitempty"`
	CreatedAt       time.Time  `json:"-"`
	UpdatedAt       time.Time  `json:"updated_at,omitempty"`
}

func (Shot) TableName() string {
	return "shot"
}

// ScriptAnalysis is the document produced by the text model for a project.
type ScriptAnalysis struct {
	Duration   float64  `json:"duration"`
	ShotCount  int      `json:"shot_count"`
	StoryStyle string   `json:"story_style"`
	Characters []string `json:"characters"`
	Shots      []Shot   `json:"shots"`
}

// Clone 深拷贝，修复引擎不修改调用方的数据
func (a ScriptAnalysis) Clone() ScriptAnalysis {
	out := a
	out.Characters = append([]string(nil), a.Characters...)
	out.Shots = make([]Shot, len(a.Shots))
	for i, s := range a.Shots {
		s.Characters = append(StringList(nil), s.Characters...)
		out.Shots[i] = s
	}
	return out
}
