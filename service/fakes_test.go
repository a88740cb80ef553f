package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"VideoAgent-server/models"
	"VideoAgent-server/tracker"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu        sync.Mutex
	projects  map[string]models.Project
	shots     map[string][]models.Shot
	chars     map[string][]models.Character
	artifacts map[string]models.Artifact

	// afterGetShots 在 GetShots 读完后执行，模拟并发写入
	afterGetShots func()
	renameErr     error
}

func newMemRepo() *memRepo {
	return &memRepo{
		projects:  map[string]models.Project{},
		shots:     map[string][]models.Shot{},
		chars:     map[string][]models.Character{},
		artifacts: map[string]models.Artifact{},
	}
}

func artKey(projectID, stage string, n int) string {
	return fmt.Sprintf("%s/%s/%d", projectID, stage, n)
}

func (r *memRepo) CreateProject(_ context.Context, p *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = fmt.Sprintf("p%d", len(r.projects)+1)
	}
	r.projects[p.ID] = *p
	return nil
}

func (r *memRepo) GetProject(_ context.Context, id string) (*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) UpdateProject(_ context.Context, id string, patch models.ProjectPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return models.ErrNotFound
	}
	if patch.StoryStyle != nil {
		p.StoryStyle = *patch.StoryStyle
	}
	if patch.Duration != nil {
		p.Duration = *patch.Duration
	}
	if patch.ShotCount != nil {
		p.ShotCount = *patch.ShotCount
	}
	if patch.Characters != nil {
		p.Characters = append(models.StringList(nil), patch.Characters...)
	}
	if patch.Stage != nil {
		p.Stage = *patch.Stage
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.VideoURL != nil {
		p.VideoURL = *patch.VideoURL
	}
	r.projects[id] = p
	return nil
}

func (r *memRepo) SaveShots(_ context.Context, projectID string, shots []models.Shot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]models.Shot, len(shots))
	for i, s := range shots {
		s.ProjectID = projectID
		s.Characters = append(models.StringList{}, s.Characters...)
		cp[i] = s
	}
	r.shots[projectID] = cp
	return nil
}

func (r *memRepo) GetShots(_ context.Context, projectID string) ([]models.Shot, error) {
	r.mu.Lock()
	out := make([]models.Shot, len(r.shots[projectID]))
	for i, s := range r.shots[projectID] {
		s.Characters = append(models.StringList{}, s.Characters...)
		out[i] = s
	}
	hook := r.afterGetShots
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *memRepo) UpdateShotMedia(_ context.Context, projectID string, number int, imageURL, videoURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.shots[projectID] {
		s := &r.shots[projectID][i]
		if s.Number != number {
			continue
		}
		if imageURL != "" {
			s.ImageURL = imageURL
		}
		if videoURL != "" {
			s.VideoURL = videoURL
		}
		return nil
	}
	return models.ErrNotFound
}

func (r *memRepo) GetCharacters(_ context.Context, projectID string) ([]models.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Character(nil), r.chars[projectID]...), nil
}

func (r *memRepo) SaveCharacters(_ context.Context, projectID string, chars []models.Character) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]models.Character(nil), chars...)
	for i := range cp {
		cp[i].ProjectID = projectID
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].Ordinal < cp[j].Ordinal })
	r.chars[projectID] = cp
	return nil
}

func (r *memRepo) updateChar(id string, fn func(*models.Character)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, list := range r.chars {
		for i := range list {
			if list[i].ID == id {
				fn(&r.chars[pid][i])
				return nil
			}
		}
	}
	return models.ErrNotFound
}

// ApplyRename 持锁一次性写入，只改文本列
func (r *memRepo) ApplyRename(_ context.Context, rn models.CharacterRename) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renameErr != nil {
		return r.renameErr
	}
	chars := r.chars[rn.ProjectID]
	ci := -1
	for i := range chars {
		if chars[i].ID == rn.CharacterID {
			ci = i
		}
	}
	if ci < 0 {
		return models.ErrNotFound
	}
	chars[ci].Name = rn.Name
	for _, st := range rn.Shots {
		for i := range r.shots[rn.ProjectID] {
			s := &r.shots[rn.ProjectID][i]
			if s.Number == st.Number {
				s.Description = st.Description
				s.CharacterAction = st.CharacterAction
				s.Characters = append(models.StringList{}, st.Characters...)
			}
		}
	}
	pr := r.projects[rn.ProjectID]
	pr.Characters = append(models.StringList{}, rn.Characters...)
	r.projects[rn.ProjectID] = pr
	return nil
}

func (r *memRepo) UpdateCharacterImage(_ context.Context, id, url, source string) error {
	return r.updateChar(id, func(c *models.Character) {
		c.ReferenceImage = url
		if source != "" {
			c.Source = source
		}
	})
}

func (r *memRepo) ListArtifacts(_ context.Context, projectID, stage string) ([]models.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Artifact
	for _, a := range r.artifacts {
		if a.ProjectID == projectID && a.Stage == stage {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShotNumber < out[j].ShotNumber })
	return out, nil
}

func (r *memRepo) SaveArtifacts(_ context.Context, arts []models.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range arts {
		k := artKey(a.ProjectID, a.Stage, a.ShotNumber)
		if cur, ok := r.artifacts[k]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
			continue
		}
		r.artifacts[k] = a
	}
	return nil
}

func (r *memRepo) ActiveStages(_ context.Context) ([]models.StageKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[models.StageKey]bool{}
	var out []models.StageKey
	for _, a := range r.artifacts {
		k := models.StageKey{ProjectID: a.ProjectID, Stage: a.Stage}
		if a.Status == models.ArtifactStatusGenerating && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *memRepo) artifact(projectID, stage string, n int) models.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifacts[artKey(projectID, stage, n)]
}

type fakeQueue struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (q *fakeQueue) EnqueueStage(_ context.Context, projectID, stage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, tracker.Key(projectID, stage))
	return nil
}

type fakeText struct {
	content string
	err     error
}

func (f *fakeText) Analyze(context.Context, AnalysisRequest) (string, error) {
	return f.content, f.err
}

// fakeJobs answers submits with job ids and finishes every job on the
// second status poll. Requests whose prompt contains failOn are rejected.
type fakeJobs struct {
	mu     sync.Mutex
	failOn string
	reqs   []GenerationRequest
	polls  map[string]int
	seq    int
	// jobFails makes the job itself fail instead of the submit
	jobFails map[string]bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{polls: map[string]int{}, jobFails: map[string]bool{}}
}

func (f *fakeJobs) Submit(_ context.Context, req GenerationRequest) (Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.failOn != "" && strings.Contains(req.Prompt, f.failOn) {
		return Submission{}, errors.New("upstream rejected request")
	}
	f.seq++
	return Submission{JobID: fmt.Sprintf("job-%d", f.seq)}, nil
}

func (f *fakeJobs) Job(_ context.Context, jobID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[jobID]++
	if f.polls[jobID] < 2 {
		return JobStatus{Status: "processing"}, nil
	}
	if f.jobFails[jobID] {
		return JobStatus{Status: "failed", Error: "nsfw filter"}, nil
	}
	return JobStatus{Status: "succeeded", OutputURL: "http://cdn/" + jobID + ".png"}, nil
}

func (f *fakeJobs) requests() []GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GenerationRequest(nil), f.reqs...)
}

type fakeStorage struct{}

func (fakeStorage) Rehost(_ context.Context, _ string, objectName string) (string, error) {
	return "http://minio/" + objectName, nil
}

func newTestProcessor(repo *memRepo) (*Processor, *fakeQueue, *fakeJobs) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	p := NewProcessor(Options{PollInterval: time.Millisecond, Concurrency: 3})
	p.Repo = repo
	p.Tokens = tracker.NewMemoryTokens()
	p.Queue = q
	p.Image = jobs
	p.Video = jobs
	p.Composer = jobs
	return p, q, jobs
}
