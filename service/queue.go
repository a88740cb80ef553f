package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const TypeStageRun = "stage:run"

type StagePayload struct {
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
}

// Queue hands a submitted stage to a worker.
type Queue interface {
	EnqueueStage(ctx context.Context, projectID, stage string) error
}

// NewStageTask builds the queue task of one stage. The task ID is derived
// from (project, stage), so the queue itself rejects a second copy while
// the first is pending or running.
func NewStageTask(projectID, stage string) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(StagePayload{ProjectID: projectID, Stage: stage})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	task := asynq.NewTask(TypeStageRun, payload)
	opts := []asynq.Option{
		asynq.TaskID(StageTaskID(projectID, stage)),
		asynq.MaxRetry(3),            // 失败重试 3 次
		asynq.Timeout(2 * time.Hour), // 视频生成较慢，轮询在任务内完成
		// 不设置 Retention：完成后立即删除，失败的阶段可以重新提交
	}
	return task, opts, nil
}

func StageTaskID(projectID, stage string) string {
	return "stage:" + projectID + ":" + stage
}

type AsynqQueue struct {
	client *asynq.Client
	logger zerolog.Logger
}

func NewAsynqQueue(opt asynq.RedisClientOpt, logger zerolog.Logger) *AsynqQueue {
	return &AsynqQueue{client: asynq.NewClient(opt), logger: logger}
}

func (q *AsynqQueue) EnqueueStage(ctx context.Context, projectID, stage string) error {
	task, opts, err := NewStageTask(projectID, stage)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return ErrStageAlreadyStarted
	}
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.logger.Info().
		Str("project_id", projectID).
		Str("stage", stage).
		Str("task_id", info.ID).
		Msg("[Queue] Task Enqueued")
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// HandleStageTask 是 asynq 消费者入口
func (p *Processor) HandleStageTask(ctx context.Context, t *asynq.Task) error {
	var payload StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ProjectID == "" || !isJobStage(payload.Stage) {
		return fmt.Errorf("invalid stage payload %+v: %w", payload, asynq.SkipRetry)
	}
	_, err := p.RunStage(ctx, payload.ProjectID, payload.Stage)
	return err
}

// Worker runs the asynq consumer until ctx is done.
type Worker struct {
	srv    *asynq.Server
	mux    *asynq.ServeMux
	logger zerolog.Logger
}

func NewWorker(opt asynq.RedisClientOpt, concurrency int, p *Processor) *Worker {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStageRun, p.HandleStageTask)
	return &Worker{srv: srv, mux: mux, logger: p.logger}
}

func (w *Worker) Run(ctx context.Context) error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("could not run worker: %w", err)
	}
	w.logger.Info().Msg("Task Processor started")
	<-ctx.Done()
	w.srv.Shutdown()
	return nil
}
