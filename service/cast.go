package service

import (
	"context"
	"fmt"
	"slices"

	"VideoAgent-server/identity"
	"VideoAgent-server/models"
)

// cast returns the project's character registry, loading it on first use.
// All renames and reference-image changes of a project go through it.
func (p *Processor) cast(ctx context.Context, projectID string) (*identity.Cast, error) {
	p.castMu.Lock()
	defer p.castMu.Unlock()
	if c, ok := p.casts[projectID]; ok {
		return c, nil
	}
	chars, err := p.Repo.GetCharacters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c, err := identity.NewCast(chars)
	if err != nil {
		return nil, err
	}
	p.casts[projectID] = c
	return c, nil
}

func (p *Processor) dropCast(projectID string) {
	p.castMu.Lock()
	delete(p.casts, projectID)
	p.castMu.Unlock()
}

// castSetImage keeps a loaded registry in step with an image written by a
// generation job.
func (p *Processor) castSetImage(projectID, characterID, url, source string) {
	p.castMu.Lock()
	c, ok := p.casts[projectID]
	p.castMu.Unlock()
	if !ok {
		return
	}
	if _, err := c.SetReferenceImage(context.Background(), characterID, url, source); err != nil {
		p.logger.Debug().Err(err).Str("project_id", projectID).Msg("角色缓存更新失败")
	}
}

// RenameCharacter renames a character everywhere: the cast, the project's
// character list and the text of every shot. The character keeps its ID
// and reference image. The store write is one transaction that leaves
// shot media columns alone, so images written by running jobs survive.
func (p *Processor) RenameCharacter(ctx context.Context, projectID, oldName, newName string) (models.Character, error) {
	c, err := p.cast(ctx, projectID)
	if err != nil {
		return models.Character{}, err
	}
	before, err := c.Lookup(oldName)
	if err != nil {
		return models.Character{}, fmt.Errorf("%w: %v", identity.ErrIdentityConflict, err)
	}
	var names []string
	for _, ch := range c.List() {
		names = append(names, ch.Name)
	}

	shots, err := p.Repo.GetShots(ctx, projectID)
	if err != nil {
		return models.Character{}, err
	}
	analysis := models.ScriptAnalysis{Characters: names, Shots: shots}.Clone()
	touched, err := identity.RenameInAnalysis(&analysis, before.Name, newName)
	if err != nil {
		return models.Character{}, err
	}

	renamed, err := c.Rename(ctx, identity.ShortName(before.Name), newName)
	if err != nil {
		return models.Character{}, err
	}
	err = p.Repo.ApplyRename(ctx, models.CharacterRename{
		ProjectID:   projectID,
		CharacterID: renamed.ID,
		Name:        renamed.Name,
		Shots:       changedText(shots, analysis.Shots),
		Characters:  models.StringList(analysis.Characters),
	})
	if err != nil {
		// 缓存已改名，丢弃后下次从数据库重建
		p.dropCast(projectID)
		return models.Character{}, fmt.Errorf("保存改名失败: %w", err)
	}
	p.logger.Info().
		Str("project_id", projectID).
		Str("character_id", renamed.ID).
		Str("from", before.Name).
		Str("to", renamed.Name).
		Int("shots", touched).
		Msg("角色已改名")
	return renamed, nil
}

// changedText returns the text columns of the shots whose text differs.
func changedText(before, after []models.Shot) []models.ShotText {
	var out []models.ShotText
	for i, s := range after {
		b := before[i]
		if s.Description == b.Description &&
			s.CharacterAction == b.CharacterAction &&
			slices.Equal(s.Characters, b.Characters) {
			continue
		}
		out = append(out, models.ShotText{
			Number:          s.Number,
			Description:     s.Description,
			CharacterAction: s.CharacterAction,
			Characters:      s.Characters,
		})
	}
	return out
}

// SetReferenceImage replaces the character's single reference image with
// an uploaded one and marks its portrait slot done.
func (p *Processor) SetReferenceImage(ctx context.Context, projectID, characterID, imageURL string) (models.Character, error) {
	c, err := p.cast(ctx, projectID)
	if err != nil {
		return models.Character{}, err
	}
	ch, ok := c.Get(characterID)
	if !ok {
		return models.Character{}, fmt.Errorf("%w: character %s", models.ErrNotFound, characterID)
	}
	log := p.logger.With().Str("project_id", projectID).Str("character_id", characterID).Logger()
	finalURL := p.rehost(ctx, projectID, models.StageCharacters, ch.Ordinal, imageURL, log)

	updated, err := c.Mutate(ctx, characterID, func(m *models.Character) error {
		if err := p.Repo.UpdateCharacterImage(ctx, m.ID, finalURL, models.CharacterSourceUpload); err != nil {
			return err
		}
		m.ReferenceImage = finalURL
		m.Source = models.CharacterSourceUpload
		return nil
	})
	if err != nil {
		return models.Character{}, err
	}

	now := p.now()
	err = p.Repo.SaveArtifacts(ctx, []models.Artifact{{
		ProjectID:  projectID,
		Stage:      models.StageCharacters,
		ShotNumber: updated.Ordinal,
		Status:     models.ArtifactStatusSuccess,
		OutputURL:  finalURL,
		UpdatedAt:  now,
	}})
	return updated, err
}

// ListCharacters reads from the store; images written by workers in other
// processes are not in the local registry.
func (p *Processor) ListCharacters(ctx context.Context, projectID string) ([]models.Character, error) {
	return p.Repo.GetCharacters(ctx, projectID)
}

func (p *Processor) ListShots(ctx context.Context, projectID string) ([]models.Shot, error) {
	return p.Repo.GetShots(ctx, projectID)
}
