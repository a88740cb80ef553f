package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// Uploader copies a generated artifact into our own storage and returns
// the URL to keep. Re-hosting is best-effort; callers fall back to the
// vendor URL on error.
type Uploader interface {
	Rehost(ctx context.Context, sourceURL, objectName string) (string, error)
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Domain 非空时返回公开地址，否则返回预签名地址
	Domain string
}

// 预签名地址有效期
const presignExpiry = 72 * time.Hour

type MinIOStore struct {
	client *minio.Client
	bucket string
	domain string
	http   *http.Client
	logger zerolog.Logger
}

func NewMinIOStore(cfg MinIOConfig, logger zerolog.Logger) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		domain: strings.TrimRight(cfg.Domain, "/"),
		http:   &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
	}, nil
}

// EnsureBucket 确保 Bucket 存在
func (m *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建 Bucket 失败: %w", err)
	}
	m.logger.Info().Str("bucket", m.bucket).Msg("Bucket 已创建")
	return nil
}

// Upload 从 reader 上传对象，size 为 -1 表示未知大小
func (m *MinIOStore) Upload(ctx context.Context, reader io.Reader, objectName string, size int64) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("上传到 MinIO 失败: %w", err)
	}
	if m.domain != "" {
		return m.domain + "/" + m.bucket + "/" + objectName, nil
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectName, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	return u.String(), nil
}

// Rehost 下载外部结果并转存
func (m *MinIOStore) Rehost(ctx context.Context, sourceURL, objectName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}
	finalURL, err := m.Upload(ctx, resp.Body, objectName, resp.ContentLength)
	if err != nil {
		return "", err
	}
	m.logger.Debug().Str("object", objectName).Msg("文件已上传")
	return finalURL, nil
}

// objectName 生成云端路径，例如 projects/<id>/video/3.mp4
func objectName(projectID, stage string, ordinal int, sourceURL string) string {
	ext := ""
	if u, err := url.Parse(sourceURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if contentType("x"+ext) == "application/octet-stream" {
		switch stage {
		case "video", "compose":
			ext = ".mp4"
		default:
			ext = ".png"
		}
	}
	return fmt.Sprintf("projects/%s/%s/%d%s", projectID, stage, ordinal, ext)
}

// contentType 根据文件扩展名确定 ContentType
func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	return "application/octet-stream"
}
