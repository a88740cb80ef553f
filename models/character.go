package models

import "time"

const (
	CharacterSourceGenerated = "ai_generate"
	CharacterSourceUpload    = "upload"
)

// Character ID 在改名时保持不变，所有引用都按 ID 关联
type Character struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID      string    `gorm:"index;type:varchar(64)" json:"project_id"`
	Ordinal        int       `json:"ordinal"`
	Name           string    `json:"name"`
	Prompt         string    `gorm:"type:text" json:"prompt"`
	NegativePrompt string    `gorm:"type:text" json:"negative_prompt"`
	ReferenceImage string    `json:"reference_image,omitempty"`
	Source         string    `gorm:"type:varchar(16)" json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Character) TableName() string {
	return "character"
}

// ShotText 是改名时需要写回的分镜文本列，不包含图片/视频地址
type ShotText struct {
	Number          int
	Description     string
	CharacterAction string
	Characters      StringList
}

// CharacterRename 一次改名的全部写入，在同一事务中提交
type CharacterRename struct {
	ProjectID   string
	CharacterID string
	Name        string
	Shots       []ShotText
	// Characters 是改名后的项目角色列表
	Characters StringList
}
