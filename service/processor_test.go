package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"VideoAgent-server/batch"
	"VideoAgent-server/identity"
	"VideoAgent-server/models"
	"VideoAgent-server/tracker"
)

func seedProject(t *testing.T, repo *memRepo) string {
	t.Helper()
	ctx := context.Background()
	pr := &models.Project{ID: "p1", Mode: models.ModeScript, Script: "Mira finds a lighthouse.", ImageStyle: "realistic", AspectRatio: "16:9", Status: models.ProjectStatusAnalyzed}
	if err := repo.CreateProject(ctx, pr); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	shots := []models.Shot{
		{Number: 1, Description: "Mira opens the door", Characters: models.StringList{"Mira (young woman)"}, DurationSeconds: 5},
		{Number: 2, Description: "Rain on the window", DurationSeconds: 5},
		{Number: 3, Description: "A lighthouse in the storm", DurationSeconds: 5},
		{Number: 4, Description: "Jun reads a letter", Characters: models.StringList{"Jun (old man)"}, DurationSeconds: 5},
		{Number: 5, Description: "Mira runs to the pier", Characters: models.StringList{"Mira (young woman)"}, DurationSeconds: 5},
	}
	_ = repo.SaveShots(ctx, "p1", shots)
	_ = repo.SaveCharacters(ctx, "p1", []models.Character{
		{ID: "c1", Ordinal: 0, Name: "Mira (young woman)", Prompt: "Mira (young woman)", ReferenceImage: "http://img/mira.png", Source: models.CharacterSourceGenerated},
		{ID: "c2", Ordinal: 1, Name: "Jun (old man)", Prompt: "Jun (old man)", Source: models.CharacterSourceGenerated},
	})
	return "p1"
}

func TestCreateProjectValidates(t *testing.T) {
	p, _, _ := newTestProcessor(newMemRepo())
	ctx := context.Background()

	pr := &models.Project{Script: "once upon a time", ImageStyle: "no-such-style"}
	if err := p.CreateProject(ctx, pr); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if pr.Mode != models.ModeScript || pr.ImageStyle != "realistic" || pr.AspectRatio != "16:9" || pr.Status != models.ProjectStatusCreated {
		t.Fatalf("defaults not applied: %+v", pr)
	}
	if err := p.CreateProject(ctx, &models.Project{Mode: models.ModeVideo}); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("video without source got %v", err)
	}
	if err := p.CreateProject(ctx, &models.Project{Script: "x", AspectRatio: "4:3"}); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("bad aspect ratio got %v", err)
	}
}

const modelOutput = "```json\n" + `{"duration": 12, "shot_count": 9, "story_style": "drama",
 "characters": ["Mira (young woman, 20s)"],
 "shots": [
  {"shot_number": 1, "description": "Mira walks into the shop", "duration_seconds": 3, "characters": []},
  {"shot_number": 2, "description": "Rain on the window", "duration_seconds": 4,},
  {"shot_number": 3, "description": "mira walks into the  shop", "duration_seconds": 5},
 ]}` + "\n```"

func TestAnalyzeScriptRepairsAndStores(t *testing.T) {
	repo := newMemRepo()
	p, _, _ := newTestProcessor(repo)
	p.Text = &fakeText{content: modelOutput}
	ctx := context.Background()
	pr := &models.Project{Script: "Mira goes shopping."}
	if err := p.CreateProject(ctx, pr); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	res, err := p.AnalyzeScript(ctx, pr.ID)
	if err != nil {
		t.Fatalf("AnalyzeScript: %v", err)
	}
	if res.ShotCount != 2 || res.Duration != 10 || len(res.Changes) == 0 {
		t.Fatalf("analysis got %d shots / %vs / %d changes", res.ShotCount, res.Duration, len(res.Changes))
	}
	shots, _ := repo.GetShots(ctx, pr.ID)
	if len(shots) != 2 || shots[1].TimeRange != "5-10s" {
		t.Fatalf("stored shots got %+v", shots)
	}
	if got := []string(shots[0].Characters); len(got) != 1 || got[0] != "Mira (young woman, 20s)" {
		t.Fatalf("shot 1 characters got %v", got)
	}
	stored, _ := repo.GetProject(ctx, pr.ID)
	if stored.Status != models.ProjectStatusAnalyzed || stored.Stage != models.StageCharacters || stored.StoryStyle != "drama" || stored.ShotCount != 2 {
		t.Fatalf("project not updated: %+v", stored)
	}

	chars, _ := repo.GetCharacters(ctx, pr.ID)
	if len(chars) != 1 || chars[0].ID == "" {
		t.Fatalf("characters got %+v", chars)
	}
	again, err := p.AnalyzeScript(ctx, pr.ID)
	if err != nil {
		t.Fatalf("second AnalyzeScript: %v", err)
	}
	if again.Characters[0].ID != chars[0].ID {
		t.Fatal("re-analysis changed the character id")
	}
}

func TestAnalyzeScriptRejectsGarbage(t *testing.T) {
	repo := newMemRepo()
	p, _, _ := newTestProcessor(repo)
	p.Text = &fakeText{content: "I'm sorry, I can't help with that."}
	pr := &models.Project{Script: "x"}
	_ = p.CreateProject(context.Background(), pr)
	if _, err := p.AnalyzeScript(context.Background(), pr.ID); err == nil {
		t.Fatal("expected a malformed response error")
	}
	if stored, _ := repo.GetProject(context.Background(), pr.ID); stored.Status != models.ProjectStatusCreated {
		t.Fatalf("failed analysis changed status to %s", stored.Status)
	}
}

func TestSubmitStageIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	p, q, _ := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()

	if err := p.SubmitStage(ctx, id, models.StageStoryboard); err != nil {
		t.Fatalf("SubmitStage: %v", err)
	}
	if err := p.SubmitStage(ctx, id, models.StageStoryboard); !errors.Is(err, ErrStageAlreadyStarted) {
		t.Fatalf("second submit got %v", err)
	}
	if len(q.sent) != 1 {
		t.Fatalf("enqueued %d times", len(q.sent))
	}
	if pr, _ := repo.GetProject(ctx, id); pr.Status != models.ProjectStatusRunning || pr.Stage != models.StageStoryboard {
		t.Fatalf("project got %s/%s", pr.Stage, pr.Status)
	}
	if err := p.SubmitStage(ctx, id, models.StageAnalysis); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("analysis is not a job stage, got %v", err)
	}
}

func TestSubmitStageReleasesTokenWhenEnqueueFails(t *testing.T) {
	repo := newMemRepo()
	p, q, _ := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()

	q.err = errors.New("redis down")
	if err := p.SubmitStage(ctx, id, models.StageVideo); err == nil {
		t.Fatal("expected enqueue error")
	}
	if pr, _ := repo.GetProject(ctx, id); pr.Status != models.ProjectStatusAnalyzed {
		t.Fatalf("failed submit changed status to %s", pr.Status)
	}
	q.err = nil
	if err := p.SubmitStage(ctx, id, models.StageVideo); err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
}

func TestRunStageStoryboardIsolatesFailures(t *testing.T) {
	repo := newMemRepo()
	p, _, jobs := newTestProcessor(repo)
	p.Storage = fakeStorage{}
	jobs.failOn = "lighthouse"
	id := seedProject(t, repo)
	ctx := context.Background()

	status, err := p.RunStage(ctx, id, models.StageStoryboard)
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if status != batch.StatusPartial {
		t.Fatalf("status got %s", status)
	}

	st, _ := p.StageStatus(ctx, id, models.StageStoryboard)
	if st.Counts.Success != 4 || st.Counts.Failed != 1 || !st.CanProceed {
		t.Fatalf("counts got %+v", st.Counts)
	}
	if a := repo.artifact(id, models.StageStoryboard, 3); a.Status != models.ArtifactStatusFailed || a.Error == "" {
		t.Fatalf("shot 3 artifact got %+v", a)
	}
	shots, _ := repo.GetShots(ctx, id)
	if shots[0].ImageURL != "http://minio/projects/p1/storyboard/1.png" || shots[2].ImageURL != "" {
		t.Fatalf("image urls got %q / %q", shots[0].ImageURL, shots[2].ImageURL)
	}
	if pr, _ := repo.GetProject(ctx, id); pr.Status != models.ProjectStatusPartial {
		t.Fatalf("project status got %s", pr.Status)
	}

	var first GenerationRequest
	for _, r := range jobs.requests() {
		if strings.Contains(r.Prompt, "opens the door") {
			first = r
		}
	}
	if len(first.Images) != 1 || first.Images[0] != "http://img/mira.png" {
		t.Fatalf("shot 1 references got %v", first.Images)
	}
	if !strings.HasPrefix(first.Prompt, "Professional documentary photograph of") || first.NegativePrompt == "" {
		t.Fatalf("prompt not style locked: %q", first.Prompt)
	}

	// running again retries only the failed shot
	before := len(jobs.requests())
	if _, err := p.RunStage(ctx, id, models.StageStoryboard); err != nil {
		t.Fatalf("second RunStage: %v", err)
	}
	reqs := jobs.requests()
	if len(reqs) != before+1 || !strings.Contains(reqs[len(reqs)-1].Prompt, "lighthouse") {
		t.Fatalf("second run submitted %d requests, want only the failed shot", len(reqs)-before)
	}
	if a := repo.artifact(id, models.StageStoryboard, 3); a.RetryCount != 1 {
		t.Fatalf("shot 3 retry count got %d", a.RetryCount)
	}
}

func TestRunStageVideoChainsFirstFrame(t *testing.T) {
	repo := newMemRepo()
	p, _, jobs := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()
	for _, n := range []int{1, 3, 4, 5} {
		_ = repo.UpdateShotMedia(ctx, id, n, "http://img/frame.png", "")
	}

	status, err := p.RunStage(ctx, id, models.StageVideo)
	if err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if status != batch.StatusPartial {
		t.Fatalf("status got %s", status)
	}
	reqs := jobs.requests()
	if len(reqs) != 4 {
		t.Fatalf("video submits got %d want 4", len(reqs))
	}
	for _, r := range reqs {
		if r.FirstFrameURL != "http://img/frame.png" {
			t.Fatalf("first frame got %q", r.FirstFrameURL)
		}
	}
	if a := repo.artifact(id, models.StageVideo, 2); a.Status != models.ArtifactStatusFailed || !strings.Contains(a.Error, "storyboard image") {
		t.Fatalf("shot 2 got %+v", a)
	}
	shots, _ := repo.GetShots(ctx, id)
	if shots[0].VideoURL == "" {
		t.Fatal("video url not written back")
	}
}

func TestRunStageComposeMarksProjectReady(t *testing.T) {
	repo := newMemRepo()
	p, _, jobs := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()
	_ = repo.UpdateShotMedia(ctx, id, 1, "", "http://v/1.mp4")
	_ = repo.UpdateShotMedia(ctx, id, 2, "", "http://v/2.mp4")

	status, err := p.RunStage(ctx, id, models.StageCompose)
	if err != nil || status != batch.StatusCompleted {
		t.Fatalf("RunStage got %s, %v", status, err)
	}
	if reqs := jobs.requests(); len(reqs) != 1 || len(reqs[0].Clips) != 2 {
		t.Fatalf("compose request got %+v", reqs)
	}
	pr, _ := repo.GetProject(ctx, id)
	if pr.Status != models.ProjectStatusReady || pr.VideoURL == "" {
		t.Fatalf("project got %s %q", pr.Status, pr.VideoURL)
	}
}

func TestRunStageFailedReleasesTokenAndRetriesOnResubmit(t *testing.T) {
	repo := newMemRepo()
	p, _, jobs := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()
	if ok, _ := p.Tokens.Acquire(ctx, id, models.StageCompose); !ok {
		t.Fatal("acquire failed")
	}
	// no clips yet: the only slot fails
	status, err := p.RunStage(ctx, id, models.StageCompose)
	if err != nil || status != batch.StatusFailed {
		t.Fatalf("RunStage got %s, %v", status, err)
	}
	if ok, _ := p.Tokens.Acquire(ctx, id, models.StageCompose); !ok {
		t.Fatal("failed stage kept its token")
	}
	_ = p.Tokens.Release(ctx, id, models.StageCompose)

	// clips arrive, the stage is submitted again and the failed slot is retried
	for _, n := range []int{1, 2} {
		_ = repo.UpdateShotMedia(ctx, id, n, "", fmt.Sprintf("http://vid/%d.mp4", n))
	}
	if err := p.SubmitStage(ctx, id, models.StageCompose); err != nil {
		t.Fatalf("SubmitStage after failure: %v", err)
	}
	status, err = p.RunStage(ctx, id, models.StageCompose)
	if err != nil || status != batch.StatusCompleted {
		t.Fatalf("second RunStage got %s, %v", status, err)
	}
	a := repo.artifact(id, models.StageCompose, 1)
	if a.Status != models.ArtifactStatusSuccess || a.RetryCount != 1 {
		t.Fatalf("compose artifact got %+v", a)
	}
	if n := len(jobs.requests()); n != 1 {
		t.Fatalf("compose submissions got %d", n)
	}
	if pr, _ := repo.GetProject(ctx, id); pr.Status != models.ProjectStatusReady {
		t.Fatalf("project status got %s", pr.Status)
	}
}

func TestRegenerateShotOnlyFromFailed(t *testing.T) {
	repo := newMemRepo()
	p, _, jobs := newTestProcessor(repo)
	jobs.failOn = "lighthouse"
	id := seedProject(t, repo)
	ctx := context.Background()
	if _, err := p.RunStage(ctx, id, models.StageStoryboard); err != nil {
		t.Fatalf("RunStage: %v", err)
	}

	if err := p.RegenerateShot(ctx, id, models.StageStoryboard, 1); !errors.Is(err, tracker.ErrIllegalTransition) {
		t.Fatalf("regenerating a successful shot got %v", err)
	}

	jobs.mu.Lock()
	jobs.failOn = ""
	jobs.mu.Unlock()
	if err := p.RegenerateShot(ctx, id, models.StageStoryboard, 3); err != nil {
		t.Fatalf("RegenerateShot: %v", err)
	}
	p.Pollers.Wait()

	a := repo.artifact(id, models.StageStoryboard, 3)
	if a.Status != models.ArtifactStatusSuccess || a.RetryCount != 1 {
		t.Fatalf("shot 3 got %+v", a)
	}
	if pr, _ := repo.GetProject(ctx, id); pr.Status != models.ProjectStatusCompleted {
		t.Fatalf("project status got %s", pr.Status)
	}
}

func TestJobFailureIsRecorded(t *testing.T) {
	repo := newMemRepo()
	p, _, jobs := newTestProcessor(repo)
	id := seedProject(t, repo)
	jobs.jobFails["job-1"] = true
	jobs.jobFails["job-2"] = true
	p.opts.Concurrency = 1

	if _, err := p.RunStage(context.Background(), id, models.StageStoryboard); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	st, _ := p.StageStatus(context.Background(), id, models.StageStoryboard)
	if st.Counts.Failed != 2 || st.Counts.Success != 3 {
		t.Fatalf("counts got %+v", st.Counts)
	}
	if a := repo.artifact(id, models.StageStoryboard, 1); a.Error != "nsfw filter" {
		t.Fatalf("error got %q", a.Error)
	}
}

func TestResumePollsGeneratingStages(t *testing.T) {
	repo := newMemRepo()
	p, _, _ := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()
	_ = repo.SaveArtifacts(ctx, []models.Artifact{{
		ProjectID: id, Stage: models.StageStoryboard, ShotNumber: 2,
		Status: models.ArtifactStatusGenerating, JobID: "job-x",
	}})

	n, err := p.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume got %d, %v", n, err)
	}
	p.Pollers.Wait()
	if a := repo.artifact(id, models.StageStoryboard, 2); a.Status != models.ArtifactStatusSuccess {
		t.Fatalf("resumed job got %+v", a)
	}
}

func TestRenameCharacterUpdatesShotsAndKeepsID(t *testing.T) {
	repo := newMemRepo()
	p, _, _ := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()

	ch, err := p.RenameCharacter(ctx, id, "mira", "Lena (young woman)")
	if err != nil {
		t.Fatalf("RenameCharacter: %v", err)
	}
	if ch.ID != "c1" || ch.ReferenceImage != "http://img/mira.png" {
		t.Fatalf("renamed got %+v", ch)
	}
	chars, _ := repo.GetCharacters(ctx, id)
	if chars[0].Name != "Lena (young woman)" {
		t.Fatalf("stored name got %q", chars[0].Name)
	}
	shots, _ := repo.GetShots(ctx, id)
	if shots[0].Description != "Lena opens the door" || shots[0].Characters[0] != "Lena (young woman)" {
		t.Fatalf("shot 1 got %+v", shots[0])
	}
	if shots[4].Description != "Lena runs to the pier" {
		t.Fatalf("shot 5 got %q", shots[4].Description)
	}
	pr, _ := repo.GetProject(ctx, id)
	if len(pr.Characters) != 2 || pr.Characters[0] != "Lena (young woman)" {
		t.Fatalf("project characters got %v", pr.Characters)
	}

	if _, err := p.RenameCharacter(ctx, id, "Lena", "Jun"); !errors.Is(err, identity.ErrIdentityConflict) {
		t.Fatalf("rename onto existing name got %v", err)
	}
	if _, err := p.RenameCharacter(ctx, id, "Nobody", "X"); !errors.Is(err, identity.ErrIdentityConflict) {
		t.Fatalf("rename of unknown name got %v", err)
	}
}

func TestRenameCharacterKeepsConcurrentMedia(t *testing.T) {
	repo := newMemRepo()
	p, _, _ := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()

	// 改名读取分镜之后，存储阶段写回了第 1 镜的图片
	repo.afterGetShots = func() {
		repo.afterGetShots = nil
		if err := repo.UpdateShotMedia(ctx, id, 1, "http://img/frame1.png", ""); err != nil {
			t.Errorf("UpdateShotMedia: %v", err)
		}
	}
	if _, err := p.RenameCharacter(ctx, id, "Mira", "Lena (young woman)"); err != nil {
		t.Fatalf("RenameCharacter: %v", err)
	}
	shots, _ := repo.GetShots(ctx, id)
	if shots[0].Description != "Lena opens the door" {
		t.Fatalf("shot 1 description got %q", shots[0].Description)
	}
	if shots[0].ImageURL != "http://img/frame1.png" {
		t.Fatalf("image written during rename was lost: %q", shots[0].ImageURL)
	}
}

func TestRenameCharacterStoreFailureChangesNothing(t *testing.T) {
	repo := newMemRepo()
	p, _, _ := newTestProcessor(repo)
	id := seedProject(t, repo)
	ctx := context.Background()

	repo.renameErr = errors.New("deadlock")
	if _, err := p.RenameCharacter(ctx, id, "Mira", "Lena"); err == nil {
		t.Fatal("expected error when the store rejects the rename")
	}
	chars, _ := repo.GetCharacters(ctx, id)
	shots, _ := repo.GetShots(ctx, id)
	if chars[0].Name != "Mira (young woman)" || shots[0].Description != "Mira opens the door" {
		t.Fatalf("failed rename was partly applied: %q / %q", chars[0].Name, shots[0].Description)
	}

	repo.renameErr = nil
	if _, err := p.RenameCharacter(ctx, id, "Mira", "Lena"); err != nil {
		t.Fatalf("rename after failure: %v", err)
	}
}

func TestSetReferenceImageSkipsPortraitGeneration(t *testing.T) {
	repo := newMemRepo()
	p, _, jobs := newTestProcessor(repo)
	p.Storage = fakeStorage{}
	id := seedProject(t, repo)
	ctx := context.Background()

	ch, err := p.SetReferenceImage(ctx, id, "c2", "http://upload/jun.jpg")
	if err != nil {
		t.Fatalf("SetReferenceImage: %v", err)
	}
	if ch.Source != models.CharacterSourceUpload || ch.ReferenceImage != "http://minio/projects/p1/characters/1.jpg" {
		t.Fatalf("character got %+v", ch)
	}

	status, err := p.RunStage(ctx, id, models.StageCharacters)
	if err != nil || status != batch.StatusCompleted {
		t.Fatalf("RunStage got %s, %v", status, err)
	}
	if reqs := jobs.requests(); len(reqs) != 1 || !strings.Contains(reqs[0].Prompt, "Mira") {
		t.Fatalf("portrait requests got %+v", reqs)
	}
	chars, _ := repo.GetCharacters(ctx, id)
	if chars[1].ReferenceImage != "http://minio/projects/p1/characters/1.jpg" {
		t.Fatalf("uploaded image overwritten: %q", chars[1].ReferenceImage)
	}
	if chars[0].ReferenceImage == "http://img/mira.png" {
		t.Fatal("generated portrait not stored")
	}
}

func TestStoryboardPromptOrdersCastByDescriptionAndAction(t *testing.T) {
	p, _, _ := newTestProcessor(newMemRepo())
	in := &stageInput{
		project: &models.Project{ID: "p1", ImageStyle: "realistic", AspectRatio: "16:9"},
		shots: []models.Shot{{
			Number:          1,
			Description:     "A quiet harbor at dawn",
			CharacterAction: "Jun waves at Mira",
			Characters:      models.StringList{"Mira (young woman)", "Jun (old man)"},
		}},
		chars: []models.Character{
			{ID: "c1", Name: "Mira (young woman)", ReferenceImage: "http://img/mira.png"},
			{ID: "c2", Ordinal: 1, Name: "Jun (old man)", ReferenceImage: "http://img/jun.png"},
		},
	}
	slots := p.slots(in, models.StageStoryboard, p.logger)
	if len(slots) != 1 {
		t.Fatalf("slots got %d", len(slots))
	}
	req := slots[0].req
	if !strings.Contains(req.Prompt, "featuring Jun (old man), Mira (young woman)") {
		t.Fatalf("prompt got %q", req.Prompt)
	}
	if len(req.Images) != 2 || req.Images[0] != "http://img/jun.png" {
		t.Fatalf("reference order got %v", req.Images)
	}
}
