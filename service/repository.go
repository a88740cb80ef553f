package service

import (
	"context"

	"VideoAgent-server/models"
	"VideoAgent-server/tracker"
)

// Repository is the persistence the pipeline needs. Writes may become
// visible to readers later than they return.
type Repository interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) error

	SaveShots(ctx context.Context, projectID string, shots []models.Shot) error
	GetShots(ctx context.Context, projectID string) ([]models.Shot, error)
	UpdateShotMedia(ctx context.Context, projectID string, number int, imageURL, videoURL string) error

	GetCharacters(ctx context.Context, projectID string) ([]models.Character, error)
	SaveCharacters(ctx context.Context, projectID string, chars []models.Character) error
	UpdateCharacterImage(ctx context.Context, id, url, source string) error
	// ApplyRename commits a rename atomically and touches only shot text.
	ApplyRename(ctx context.Context, r models.CharacterRename) error

	ListArtifacts(ctx context.Context, projectID, stage string) ([]models.Artifact, error)
	SaveArtifacts(ctx context.Context, arts []models.Artifact) error
	ActiveStages(ctx context.Context) ([]models.StageKey, error)
}

var (
	_ Repository         = (*models.Store)(nil)
	_ tracker.TokenStore = (*models.Store)(nil)
)
