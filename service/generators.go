package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"VideoAgent-server/resilient"
)

// AnalysisRequest 发给文本模型的剧本拆解请求
type AnalysisRequest struct {
	Script         string  `json:"script,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	StoryStyle     string  `json:"story_style,omitempty"`
	Mode           string  `json:"mode"`
	SourceVideoURL string  `json:"source_video_url,omitempty"`
}

// GenerationRequest 图片、视频、合成共用的请求体，各服务只读取自己关心的字段
type GenerationRequest struct {
	Prompt         string   `json:"prompt,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	AspectRatio    string   `json:"aspect_ratio,omitempty"`
	Images         []string `json:"images,omitempty"`
	FirstFrameURL  string   `json:"first_frame_url,omitempty"`
	Clips          []string `json:"clips,omitempty"`
}

// Submission is what a generation service answers to a submit: either a
// finished output (synchronous services) or a job to poll.
type Submission struct {
	JobID     string `json:"job_id"`
	OutputURL string `json:"output_url"`
}

// JobStatus is one poll of a generation job. Status is the raw vendor value.
type JobStatus struct {
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

type TextGenerator interface {
	// Analyze returns the raw model text; parsing and repair are the caller's job.
	Analyze(ctx context.Context, req AnalysisRequest) (string, error)
}

// JobGenerator is an asynchronous generation service. Image, video and
// composition services all have this shape.
type JobGenerator interface {
	Submit(ctx context.Context, req GenerationRequest) (Submission, error)
	Job(ctx context.Context, jobID string) (JobStatus, error)
}

var ErrEmptySubmission = errors.New("generation service returned neither job id nor output")

// TextClient talks to the text model endpoint.
type TextClient struct {
	Endpoint string
	Client   *resilient.Client
}

func (t *TextClient) Analyze(ctx context.Context, req AnalysisRequest) (string, error) {
	var resp struct {
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := t.Client.PostJSON(ctx, t.Endpoint, req, &resp); err != nil {
		return "", fmt.Errorf("剧本分析请求失败: %w", err)
	}
	content := resp.Content
	if content == "" {
		content = resp.Text
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("剧本分析返回为空: %w", resilient.ErrMalformedResponse)
	}
	return content, nil
}

// JobClient submits to Endpoint and polls Endpoint/jobs/{id}.
type JobClient struct {
	Endpoint string
	Client   *resilient.Client
}

func (j *JobClient) Submit(ctx context.Context, req GenerationRequest) (Submission, error) {
	var resp struct {
		ID        string `json:"id"`
		JobID     string `json:"job_id"`
		ImageURL  string `json:"image_url"`
		VideoURL  string `json:"video_url"`
		OutputURL string `json:"output_url"`
	}
	if err := j.Client.PostJSON(ctx, j.Endpoint, req, &resp); err != nil {
		return Submission{}, err
	}
	// 优先使用根节点 job_id，其次 id
	sub := Submission{JobID: firstNonEmpty(resp.JobID, resp.ID)}
	sub.OutputURL = firstNonEmpty(resp.OutputURL, resp.ImageURL, resp.VideoURL)
	if sub.JobID == "" && sub.OutputURL == "" {
		return Submission{}, ErrEmptySubmission
	}
	return sub, nil
}

func (j *JobClient) Job(ctx context.Context, jobID string) (JobStatus, error) {
	if jobID == "" {
		return JobStatus{}, errors.New("empty job id")
	}
	var resp struct {
		Status    string `json:"status"`
		OutputURL string `json:"output_url"`
		ImageURL  string `json:"image_url"`
		VideoURL  string `json:"video_url"`
		Error     string `json:"error"`
		Message   string `json:"message"`
	}
	u := strings.TrimRight(j.Endpoint, "/") + "/jobs/" + url.PathEscape(jobID)
	if err := j.Client.Do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{
		Status:    strings.ToLower(resp.Status),
		OutputURL: firstNonEmpty(resp.OutputURL, resp.VideoURL, resp.ImageURL),
		Error:     firstNonEmpty(resp.Error, resp.Message),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
