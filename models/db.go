package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Store 是流水线使用的持久化层（MySQL + GORM）
type Store struct {
	DB     *sql.DB
	Gorm   *gorm.DB
	logger zerolog.Logger
}

// Open 建立连接池并初始化 GORM，失败返回错误由调用方决定是否退出
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("GORM 初始化失败: %w", err)
	}

	logger.Info().Msg("数据库连接成功 (Native SQL + GORM)")
	return &Store{DB: db, Gorm: gdb, logger: logger}, nil
}

// Migrate 自动建表
func (s *Store) Migrate() error {
	return s.Gorm.AutoMigrate(&Project{}, &Shot{}, &Character{}, &Artifact{}, &StageRun{})
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Project

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return s.Gorm.WithContext(ctx).Create(p).Error
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.Gorm.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) UpdateProject(ctx context.Context, id string, patch ProjectPatch) error {
	query, args, err := buildProjectUpdate(id, patch, time.Now())
	if err != nil {
		return err
	}
	if query == "" {
		return nil
	}
	return s.Gorm.WithContext(ctx).Exec(query, args...).Error
}

// buildProjectUpdate 动态构建更新语句，只更新非空字段
func buildProjectUpdate(id string, patch ProjectPatch, now time.Time) (string, []interface{}, error) {
	sets := []string{}
	args := []interface{}{}
	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.StoryStyle != nil {
		add("story_style", *patch.StoryStyle)
	}
	if patch.ImageStyle != nil {
		add("image_style", *patch.ImageStyle)
	}
	if patch.AspectRatio != nil {
		add("aspect_ratio", *patch.AspectRatio)
	}
	if patch.Duration != nil {
		add("duration", *patch.Duration)
	}
	if patch.ShotCount != nil {
		add("shot_count", *patch.ShotCount)
	}
	if patch.Characters != nil {
		v, err := patch.Characters.Value()
		if err != nil {
			return "", nil, fmt.Errorf("encode characters: %w", err)
		}
		add("characters", v)
	}
	if patch.Stage != nil {
		add("stage", *patch.Stage)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.VideoURL != nil {
		add("video_url", *patch.VideoURL)
	}

	if len(sets) == 0 {
		// 无需更新
		return "", nil, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)
	return fmt.Sprintf("UPDATE project SET %s WHERE id = ?", strings.Join(sets, ", ")), args, nil
}

// Shots

// SaveShots 整体替换项目的分镜列表（修复引擎的输出即权威版本）
func (s *Store) SaveShots(ctx context.Context, projectID string, shots []Shot) error {
	now := time.Now()
	return s.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&Shot{}).Error; err != nil {
			return err
		}
		if len(shots) == 0 {
			return nil
		}
		rows := make([]Shot, len(shots))
		for i, shot := range shots {
			if shot.ID == "" {
				shot.ID = uuid.NewString()
			}
			shot.ProjectID = projectID
			shot.CreatedAt = now
			if shot.UpdatedAt.IsZero() {
				shot.UpdatedAt = now
			}
			rows[i] = shot
		}
		return tx.CreateInBatches(&rows, 100).Error
	})
}

func (s *Store) GetShots(ctx context.Context, projectID string) ([]Shot, error) {
	var shots []Shot
	err := s.Gorm.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("shot_number ASC").
		Find(&shots).Error
	return shots, err
}

// UpdateShotMedia 写回分镜的图片/视频地址，空值不覆盖
func (s *Store) UpdateShotMedia(ctx context.Context, projectID string, number int, imageURL, videoURL string) error {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if imageURL != "" {
		updates["image_url"] = imageURL
	}
	if videoURL != "" {
		updates["video_url"] = videoURL
	}
	return s.Gorm.WithContext(ctx).Model(&Shot{}).
		Where("project_id = ? AND shot_number = ?", projectID, number).
		Updates(updates).Error
}

// Characters

func (s *Store) GetCharacters(ctx context.Context, projectID string) ([]Character, error) {
	var chars []Character
	err := s.Gorm.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("ordinal ASC").
		Find(&chars).Error
	return chars, err
}

// SaveCharacters upserts by stable ID and removes characters no longer in the list.
func (s *Store) SaveCharacters(ctx context.Context, projectID string, chars []Character) error {
	now := time.Now()
	return s.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(chars))
		rows := make([]Character, len(chars))
		for i, c := range chars {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.ProjectID = projectID
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			if c.UpdatedAt.IsZero() {
				c.UpdatedAt = now
			}
			rows[i] = c
			ids = append(ids, c.ID)
		}

		del := tx.Where("project_id = ?", projectID)
		if len(ids) > 0 {
			del = del.Where("id NOT IN ?", ids)
		}
		if err := del.Delete(&Character{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	})
}

// ApplyRename 在一个事务中写入角色名、受影响分镜的文本列和项目角色列表。
// 分镜只更新文本列，并发写入的 image_url/video_url 不会被覆盖。
func (s *Store) ApplyRename(ctx context.Context, r CharacterRename) error {
	now := time.Now()
	return s.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Character{}).
			Where("id = ? AND project_id = ?", r.CharacterID, r.ProjectID).
			Updates(map[string]interface{}{"name": r.Name, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		for _, st := range r.Shots {
			err := tx.Model(&Shot{}).
				Where("project_id = ? AND shot_number = ?", r.ProjectID, st.Number).
				Updates(map[string]interface{}{
					"description":      st.Description,
					"character_action": st.CharacterAction,
					"characters":       st.Characters,
					"updated_at":       now,
				}).Error
			if err != nil {
				return err
			}
		}
		return tx.Model(&Project{}).
			Where("id = ?", r.ProjectID).
			Updates(map[string]interface{}{"characters": r.Characters, "updated_at": now}).Error
	})
}

// UpdateCharacterImage 写入角色唯一的参考图
func (s *Store) UpdateCharacterImage(ctx context.Context, id, url, source string) error {
	updates := map[string]interface{}{"reference_image": url}
	if source != "" {
		updates["source"] = source
	}
	return s.updateCharacter(ctx, id, updates)
}

func (s *Store) updateCharacter(ctx context.Context, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	res := s.Gorm.WithContext(ctx).Model(&Character{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Artifacts

func (s *Store) ListArtifacts(ctx context.Context, projectID, stage string) ([]Artifact, error) {
	var arts []Artifact
	err := s.Gorm.WithContext(ctx).
		Where("project_id = ? AND stage = ?", projectID, stage).
		Order("shot_number ASC").
		Find(&arts).Error
	return arts, err
}

// SaveArtifacts 按 (project, stage, shot) 写入；库中记录更新时间更晚时保留库中记录
func (s *Store) SaveArtifacts(ctx context.Context, arts []Artifact) error {
	if len(arts) == 0 {
		return nil
	}
	return s.Gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range arts {
			a := arts[i]
			var existing Artifact
			err := tx.Where("project_id = ? AND stage = ? AND shot_number = ?", a.ProjectID, a.Stage, a.ShotNumber).
				First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if a.ID == "" {
					a.ID = uuid.NewString()
				}
				if err := tx.Create(&a).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if existing.UpdatedAt.After(a.UpdatedAt) {
					s.logger.Debug().
						Str("project_id", a.ProjectID).
						Str("stage", a.Stage).
						Int("shot", a.ShotNumber).
						Msg("skip stale artifact write")
					continue
				}
				a.ID = existing.ID
				a.CreatedAt = existing.CreatedAt
				if err := tx.Save(&a).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ActiveStages 返回仍有生成中任务的 (project, stage)，用于重启后恢复轮询
func (s *Store) ActiveStages(ctx context.Context) ([]StageKey, error) {
	var keys []StageKey
	err := s.Gorm.WithContext(ctx).Model(&Artifact{}).
		Distinct("project_id", "stage").
		Where("status = ?", ArtifactStatusGenerating).
		Scan(&keys).Error
	return keys, err
}

// Stage tokens

// Acquire 写入 (project, stage) 令牌；已存在时返回 false
func (s *Store) Acquire(ctx context.Context, projectID, stage string) (bool, error) {
	run := StageRun{ProjectID: projectID, Stage: stage, Token: uuid.NewString(), CreatedAt: time.Now()}
	res := s.Gorm.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&run)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Release(ctx context.Context, projectID, stage string) error {
	return s.Gorm.WithContext(ctx).
		Where("project_id = ? AND stage = ?", projectID, stage).
		Delete(&StageRun{}).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
