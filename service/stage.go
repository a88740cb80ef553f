package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"VideoAgent-server/batch"
	"VideoAgent-server/identity"
	"VideoAgent-server/models"
	"VideoAgent-server/stylelock"
	"VideoAgent-server/tracker"
)

// isJobStage reports whether stage runs generation jobs through the queue.
func isJobStage(stage string) bool {
	switch stage {
	case models.StageCharacters, models.StageStoryboard, models.StageVideo, models.StageCompose:
		return true
	}
	return false
}

// SubmitStage takes the stage's submission token and enqueues the stage.
// A second submission returns ErrStageAlreadyStarted. If enqueueing fails
// the token is released and the project is left untouched.
func (p *Processor) SubmitStage(ctx context.Context, projectID, stage string) error {
	if !isJobStage(stage) {
		return fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	if _, err := p.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	ok, err := p.Tokens.Acquire(ctx, projectID, stage)
	if err != nil {
		return fmt.Errorf("acquire stage token: %w", err)
	}
	if !ok {
		return ErrStageAlreadyStarted
	}
	if err := p.Queue.EnqueueStage(ctx, projectID, stage); err != nil {
		if rerr := p.Tokens.Release(ctx, projectID, stage); rerr != nil {
			p.logger.Error().Err(rerr).Str("project_id", projectID).Str("stage", stage).Msg("释放阶段令牌失败")
		}
		return err
	}
	status := models.ProjectStatusRunning
	return p.Repo.UpdateProject(ctx, projectID, models.ProjectPatch{Stage: &stage, Status: &status})
}

// Compose submits the final composition of the project's clips.
func (p *Processor) Compose(ctx context.Context, projectID string) error {
	return p.SubmitStage(ctx, projectID, models.StageCompose)
}

// slot is one unit of work in a stage: a shot, a character or the final cut.
type slot struct {
	ordinal int
	req     GenerationRequest
	// done 非空表示无需提交，例如已上传参考图的角色
	done string
	// skip 非空表示无法提交的原因，直接记为失败
	skip string
}

// stageInput holds what a stage needs from the store.
type stageInput struct {
	project *models.Project
	shots   []models.Shot
	chars   []models.Character
}

func (p *Processor) loadStage(ctx context.Context, projectID string) (*stageInput, error) {
	pr, err := p.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	shots, err := p.Repo.GetShots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	chars, err := p.Repo.GetCharacters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &stageInput{project: pr, shots: shots, chars: chars}, nil
}

func (p *Processor) slots(in *stageInput, stage string, log zerolog.Logger) []slot {
	profile := stylelock.Lookup(in.project.ImageStyle)
	var out []slot
	switch stage {
	case models.StageCharacters:
		for _, ch := range in.chars {
			s := slot{ordinal: ch.Ordinal}
			if ch.Source == models.CharacterSourceUpload && ch.ReferenceImage != "" {
				s.done = ch.ReferenceImage
			} else {
				prompt, neg := profile.Lock(characterPrompt(ch), ch.NegativePrompt)
				s.req = GenerationRequest{Prompt: prompt, NegativePrompt: neg, AspectRatio: in.project.AspectRatio}
			}
			out = append(out, s)
		}
	case models.StageStoryboard:
		for _, shot := range in.shots {
			refs, _ := identity.ResolveReferences(shot, in.chars, &log)
			images := make([]string, 0, len(refs))
			for _, r := range refs {
				images = append(images, r.Image)
			}
			prompt, neg := profile.Lock(shotPrompt(shot, identity.OrderByMention(shot.Characters, shot.Description+" "+shot.CharacterAction)), "")
			out = append(out, slot{ordinal: shot.Number, req: GenerationRequest{
				Prompt:         prompt,
				NegativePrompt: neg,
				AspectRatio:    in.project.AspectRatio,
				Images:         images,
			}})
		}
	case models.StageVideo:
		for _, shot := range in.shots {
			s := slot{ordinal: shot.Number}
			if shot.ImageURL == "" {
				s.skip = "shot has no storyboard image"
			}
			prompt, neg := profile.Lock(motionPrompt(shot), "")
			s.req = GenerationRequest{
				Prompt:         prompt,
				NegativePrompt: neg,
				AspectRatio:    in.project.AspectRatio,
				FirstFrameURL:  shot.ImageURL,
			}
			out = append(out, s)
		}
	case models.StageCompose:
		s := slot{ordinal: 1, req: GenerationRequest{AspectRatio: in.project.AspectRatio}}
		for _, shot := range in.shots {
			if shot.VideoURL != "" {
				s.req.Clips = append(s.req.Clips, shot.VideoURL)
			}
		}
		if len(s.req.Clips) == 0 {
			s.skip = "no video clips to compose"
		}
		out = append(out, s)
	}
	return out
}

func (p *Processor) generator(stage string) JobGenerator {
	switch stage {
	case models.StageCharacters, models.StageStoryboard:
		return p.Image
	case models.StageVideo:
		return p.Video
	case models.StageCompose:
		return p.Composer
	}
	return nil
}

// RunStage submits every outstanding slot of the stage, polls the jobs
// until all are terminal and stores the stage outcome on the project.
// Slots that already succeeded or are generating are not submitted again;
// failed slots are retried, so resubmitting a finished stage redoes only
// what failed.
func (p *Processor) RunStage(ctx context.Context, projectID, stage string) (batch.Status, error) {
	if !isJobStage(stage) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	log := p.logger.With().Str("project_id", projectID).Str("stage", stage).Logger()
	in, err := p.loadStage(ctx, projectID)
	if err != nil {
		return "", err
	}
	existing, err := p.Repo.ListArtifacts(ctx, projectID, stage)
	if err != nil {
		return "", err
	}
	known := map[int]models.Artifact{}
	for _, a := range existing {
		known[a.ShotNumber] = a
	}

	var todo []slot
	for _, s := range p.slots(in, stage, log) {
		a, ok := known[s.ordinal]
		if ok && (a.Status == models.ArtifactStatusSuccess || a.Status == models.ArtifactStatusGenerating) {
			continue
		}
		todo = append(todo, s)
	}

	report := batch.Run(ctx, todo, p.opts.Concurrency, func(ctx context.Context, s slot) error {
		return p.submit(ctx, in.project, stage, s, known[s.ordinal], log)
	})
	if report.Failed > 0 {
		for _, o := range report.Errors() {
			log.Warn().Err(o.Err).Int("shot", o.Item.ordinal).Msg("提交失败")
		}
	}
	log.Info().
		Int("submitted", report.Succeeded).
		Int("failed", report.Failed).
		Str("submission", string(report.Status())).
		Msg("阶段任务已提交")

	started, err := p.track(ctx, projectID, stage)
	if err != nil {
		return "", err
	}
	if !started {
		// 本进程已有轮询（例如重启恢复），由它负责收尾
		log.Info().Msg("阶段已在轮询中")
		return "", nil
	}
	return p.finish(ctx, projectID, stage)
}

// submit sends one slot and records the resulting artifact. prev is the
// artifact being retried, zero for a first submission.
func (p *Processor) submit(ctx context.Context, pr *models.Project, stage string, s slot, prev models.Artifact, log zerolog.Logger) error {
	a := prev
	if a.ProjectID == "" {
		a = models.Artifact{
			ProjectID:  pr.ID,
			Stage:      stage,
			ShotNumber: s.ordinal,
			Status:     models.ArtifactStatusPending,
		}
	}
	a.Prompt = s.req.Prompt

	event := tracker.EventSubmit
	if a.Status == models.ArtifactStatusFailed {
		event = tracker.EventRetry
		a.RetryCount++
	}
	next, err := tracker.Transition(tracker.Status(a.Status), event)
	if err != nil {
		return err
	}
	a.Status = string(next)
	a.JobID, a.OutputURL, a.Error = "", "", ""

	if s.done != "" {
		_, err := p.succeed(ctx, pr.ID, stage, a, s.done, log)
		return err
	}
	if s.skip != "" {
		_, ferr := p.fail(ctx, a, s.skip)
		return errors.Join(errors.New(s.skip), ferr)
	}

	sub, err := p.generator(stage).Submit(ctx, s.req)
	if err != nil {
		_, ferr := p.fail(ctx, a, err.Error())
		return errors.Join(err, ferr)
	}
	if sub.JobID == "" {
		_, err := p.succeed(ctx, pr.ID, stage, a, sub.OutputURL, log)
		return err
	}
	a.JobID = sub.JobID
	a.UpdatedAt = p.now()
	log.Debug().Int("shot", s.ordinal).Str("job_id", sub.JobID).Msg("任务已提交，开始轮询结果...")
	return p.Repo.SaveArtifacts(ctx, []models.Artifact{a})
}

// fail records a terminal failure and returns the artifact as written.
func (p *Processor) fail(ctx context.Context, a models.Artifact, reason string) (models.Artifact, error) {
	if next, err := tracker.Transition(tracker.Status(a.Status), tracker.EventFail); err == nil {
		a.Status = string(next)
	} else {
		a.Status = models.ArtifactStatusFailed
	}
	a.Error = reason
	a.UpdatedAt = p.now()
	return a, p.Repo.SaveArtifacts(ctx, []models.Artifact{a})
}

// succeed re-hosts the output, writes it where the next stage reads it and
// marks the artifact successful.
func (p *Processor) succeed(ctx context.Context, projectID, stage string, a models.Artifact, output string, log zerolog.Logger) (models.Artifact, error) {
	next, err := tracker.Transition(tracker.Status(a.Status), tracker.EventSucceed)
	if err != nil {
		return a, err
	}
	finalURL := p.rehost(ctx, projectID, stage, a.ShotNumber, output, log)

	switch stage {
	case models.StageCharacters:
		err = p.setCharacterImage(ctx, projectID, a.ShotNumber, finalURL)
	case models.StageStoryboard:
		err = p.Repo.UpdateShotMedia(ctx, projectID, a.ShotNumber, finalURL, "")
	case models.StageVideo:
		err = p.Repo.UpdateShotMedia(ctx, projectID, a.ShotNumber, "", finalURL)
	case models.StageCompose:
		err = p.Repo.UpdateProject(ctx, projectID, models.ProjectPatch{VideoURL: &finalURL})
	}
	if err != nil {
		written, ferr := p.fail(ctx, a, err.Error())
		return written, errors.Join(err, ferr)
	}

	a.Status = string(next)
	a.OutputURL = finalURL
	a.Error = ""
	a.UpdatedAt = p.now()
	return a, p.Repo.SaveArtifacts(ctx, []models.Artifact{a})
}

func (p *Processor) rehost(ctx context.Context, projectID, stage string, ordinal int, source string, log zerolog.Logger) string {
	if p.Storage == nil || source == "" {
		return source
	}
	u, err := p.Storage.Rehost(ctx, source, objectName(projectID, stage, ordinal, source))
	if err != nil {
		log.Warn().Err(err).Int("shot", ordinal).Msg("转存失败，使用原始地址")
		return source
	}
	return u
}

func (p *Processor) setCharacterImage(ctx context.Context, projectID string, ordinal int, url string) error {
	chars, err := p.Repo.GetCharacters(ctx, projectID)
	if err != nil {
		return err
	}
	for _, ch := range chars {
		if ch.Ordinal != ordinal {
			continue
		}
		if ch.Source == models.CharacterSourceUpload && ch.ReferenceImage == url {
			return nil
		}
		if err := p.Repo.UpdateCharacterImage(ctx, ch.ID, url, models.CharacterSourceGenerated); err != nil {
			return err
		}
		p.castSetImage(projectID, ch.ID, url, models.CharacterSourceGenerated)
		return nil
	}
	return fmt.Errorf("%w: character #%d", models.ErrNotFound, ordinal)
}

func toTracker(arts []models.Artifact) []tracker.Artifact {
	out := make([]tracker.Artifact, len(arts))
	for i, a := range arts {
		out[i] = tracker.Artifact{
			Ordinal:   a.ShotNumber,
			Status:    tracker.Status(a.Status),
			JobID:     a.JobID,
			OutputURL: a.OutputURL,
			Error:     a.Error,
			UpdatedAt: a.UpdatedAt,
		}
	}
	return out
}

// track polls the stage's jobs until none is generating. Only one tracker
// per stage runs in this process; started is false when another one is
// already running.
func (p *Processor) track(ctx context.Context, projectID, stage string) (started bool, err error) {
	return p.Pollers.Do(ctx, tracker.Key(projectID, stage), func(ctx context.Context) error {
		return p.poll(ctx, projectID, stage)
	})
}

func (p *Processor) poll(ctx context.Context, projectID, stage string) error {
	log := p.logger.With().Str("project_id", projectID).Str("stage", stage).Logger()
	arts, err := p.Repo.ListArtifacts(ctx, projectID, stage)
	if err != nil {
		return err
	}
	board := tracker.NewBoard(toTracker(arts))
	gen := p.generator(stage)

	poller := &tracker.Poller{
		Board:    board,
		Interval: p.opts.PollInterval,
		Logger:   &log,
		Fetch: func(ctx context.Context) ([]tracker.Artifact, error) {
			p.checkJobs(ctx, projectID, stage, gen, board, log)
			remote, err := p.Repo.ListArtifacts(ctx, projectID, stage)
			if err != nil {
				return nil, err
			}
			return toTracker(remote), nil
		},
		OnChange: func(snapshot []tracker.Artifact) {
			c := tracker.CountOf(snapshot)
			log.Info().
				Int("generating", c.Generating).
				Int("success", c.Success).
				Int("failed", c.Failed).
				Msg("阶段进度更新")
		},
	}
	return poller.Run(ctx)
}

// checkJobs asks the generation service about every generating job and
// writes terminal results. Written results stay on the board as unconfirmed
// until the store returns them.
func (p *Processor) checkJobs(ctx context.Context, projectID, stage string, gen JobGenerator, board *tracker.Board, log zerolog.Logger) {
	var jobs []tracker.Artifact
	for _, a := range board.Snapshot() {
		if a.Status == tracker.StatusGenerating && !a.PendingConfirmation && a.JobID != "" {
			jobs = append(jobs, a)
		}
	}
	batch.Run(ctx, jobs, p.opts.Concurrency, func(ctx context.Context, ta tracker.Artifact) error {
		st, err := gen.Job(ctx, ta.JobID)
		if err != nil {
			log.Warn().Err(err).Int("shot", ta.Ordinal).Str("job_id", ta.JobID).Msg("轮询网络错误(重试中)")
			return err
		}
		status, ok := tracker.ParseStatus(st.Status)
		if !ok || !status.Terminal() {
			return nil
		}
		a, err := p.artifact(ctx, projectID, stage, ta.Ordinal)
		if err != nil {
			return err
		}
		if a.Status != models.ArtifactStatusGenerating || a.JobID != ta.JobID {
			// 已被其他写入方处理
			return nil
		}
		var written models.Artifact
		if status == tracker.StatusSuccess && st.OutputURL != "" {
			written, err = p.succeed(ctx, projectID, stage, a, st.OutputURL, log)
		} else {
			reason := st.Error
			if reason == "" {
				reason = "generation service reported " + st.Status
			}
			written, err = p.fail(ctx, a, reason)
		}
		if err != nil {
			return err
		}
		board.ApplyLocal(toTracker([]models.Artifact{written})[0])
		return nil
	})
}

func (p *Processor) artifact(ctx context.Context, projectID, stage string, ordinal int) (models.Artifact, error) {
	arts, err := p.Repo.ListArtifacts(ctx, projectID, stage)
	if err != nil {
		return models.Artifact{}, err
	}
	for _, a := range arts {
		if a.ShotNumber == ordinal {
			return a, nil
		}
	}
	return models.Artifact{}, fmt.Errorf("%w: %s #%d", models.ErrNotFound, stage, ordinal)
}

// finish stores the stage outcome on the project: completed when every
// slot succeeded, failed when none did, partial otherwise. A failed stage
// gives its token back so it can be submitted again.
func (p *Processor) finish(ctx context.Context, projectID, stage string) (batch.Status, error) {
	arts, err := p.Repo.ListArtifacts(ctx, projectID, stage)
	if err != nil {
		return "", err
	}
	c := tracker.CountOf(toTracker(arts))
	outcome := stageOutcome(c)

	status := string(outcome)
	if stage == models.StageCompose && outcome == batch.StatusCompleted {
		status = models.ProjectStatusReady
	}
	if err := p.Repo.UpdateProject(ctx, projectID, models.ProjectPatch{Status: &status}); err != nil {
		return "", err
	}
	if outcome == batch.StatusFailed {
		if err := p.Tokens.Release(ctx, projectID, stage); err != nil {
			return outcome, err
		}
	}
	p.logger.Info().
		Str("project_id", projectID).
		Str("stage", stage).
		Int("success", c.Success).
		Int("failed", c.Failed).
		Str("status", status).
		Msg("阶段完成")
	return outcome, nil
}

func stageOutcome(c tracker.Counts) batch.Status {
	switch {
	case c.Success == 0:
		return batch.StatusFailed
	case c.Failed > 0 || c.Pending > 0:
		return batch.StatusPartial
	default:
		return batch.StatusCompleted
	}
}

// StageStatus is the progress view of one stage.
type StageStatus struct {
	ProjectID  string             `json:"project_id"`
	Stage      string             `json:"stage"`
	Artifacts  []tracker.Artifact `json:"artifacts"`
	Counts     tracker.Counts     `json:"counts"`
	CanProceed bool               `json:"can_proceed"`
	Signature  string             `json:"signature"`
}

func (p *Processor) StageStatus(ctx context.Context, projectID, stage string) (*StageStatus, error) {
	if !isJobStage(stage) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	arts, err := p.Repo.ListArtifacts(ctx, projectID, stage)
	if err != nil {
		return nil, err
	}
	board := tracker.NewBoard(toTracker(arts))
	return &StageStatus{
		ProjectID:  projectID,
		Stage:      stage,
		Artifacts:  board.Snapshot(),
		Counts:     board.Counts(),
		CanProceed: board.CanProceed(),
		Signature:  board.Signature(),
	}, nil
}

// RegenerateShot resubmits one failed slot of a stage. Only failed slots
// can be retried.
func (p *Processor) RegenerateShot(ctx context.Context, projectID, stage string, ordinal int) error {
	if !isJobStage(stage) {
		return fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	a, err := p.artifact(ctx, projectID, stage, ordinal)
	if err != nil {
		return err
	}
	if _, err := tracker.Transition(tracker.Status(a.Status), tracker.EventRetry); err != nil {
		return err
	}
	in, err := p.loadStage(ctx, projectID)
	if err != nil {
		return err
	}
	log := p.logger.With().Str("project_id", projectID).Str("stage", stage).Int("shot", ordinal).Logger()
	var target *slot
	for _, s := range p.slots(in, stage, log) {
		if s.ordinal == ordinal {
			target = &s
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s #%d", models.ErrNotFound, stage, ordinal)
	}
	if err := p.submit(ctx, in.project, stage, *target, a, log); err != nil {
		return err
	}
	log.Info().Msg("重新生成已提交")
	p.Watch(projectID, stage)
	return nil
}

// Watch starts a background tracker for the stage unless one is running.
func (p *Processor) Watch(projectID, stage string) {
	key := tracker.Key(projectID, stage)
	p.Pollers.Start(context.Background(), key, func(ctx context.Context) error {
		if err := p.poll(ctx, projectID, stage); err != nil {
			return err
		}
		_, err := p.finish(ctx, projectID, stage)
		return err
	}, func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Str("project_id", projectID).Str("stage", stage).Msg("轮询任务失败")
		}
	})
}

// Resume restarts tracking of every stage that still has generating jobs,
// e.g. after a restart.
func (p *Processor) Resume(ctx context.Context) (int, error) {
	keys, err := p.Repo.ActiveStages(ctx)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		p.Watch(k.ProjectID, k.Stage)
	}
	if len(keys) > 0 {
		p.logger.Info().Int("stages", len(keys)).Msg("恢复轮询")
	}
	return len(keys), nil
}

// Shutdown stops all background trackers.
func (p *Processor) Shutdown() {
	p.Pollers.StopAll()
}
