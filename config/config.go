package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultPath 服务启动时读取的配置文件位置
const DefaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Env  string `yaml:"env"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	// 外部生成服务，请求/响应格式视为黑盒
	Services struct {
		TextAPI    string `yaml:"text_api"`
		ImageAPI   string `yaml:"image_api"`
		VideoAPI   string `yaml:"video_api"`
		ComposeAPI string `yaml:"compose_api"`
		APIKey     string `yaml:"api_key"`
	} `yaml:"services"`
	Retry    Retry    `yaml:"retry"`
	Polling  Polling  `yaml:"polling"`
	Pipeline Pipeline `yaml:"pipeline"`
	Log      struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type Retry struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            time.Duration `yaml:"jitter"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
}

type Polling struct {
	Interval time.Duration `yaml:"interval"`
}

type Pipeline struct {
	SegmentDuration int `yaml:"segment_duration"`
	MinShotDuration int `yaml:"min_shot_duration"`
	Concurrency     int `yaml:"concurrency"`
	// asynq 消费者并发数
	Workers int `yaml:"workers"`
}

// Load reads the YAML file at path (optional), overlays .env and
// VIDEOAGENT_* environment variables, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("配置文件解析失败: %w", err)
			}
		case os.IsNotExist(err):
			// 允许只用环境变量运行
		default:
			return nil, fmt.Errorf("配置文件读取失败: %w", err)
		}
	}

	// .env 不覆盖已存在的环境变量
	_ = godotenv.Load()

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("VIDEOAGENT_PORT", cfg.Server.Port)
	cfg.Server.Env = getEnv("VIDEOAGENT_ENV", cfg.Server.Env)
	cfg.MySQL.DSN = getEnv("VIDEOAGENT_MYSQL_DSN", cfg.MySQL.DSN)
	cfg.Redis.Addr = getEnv("VIDEOAGENT_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("VIDEOAGENT_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.MinIO.Endpoint = getEnv("VIDEOAGENT_MINIO_ENDPOINT", cfg.MinIO.Endpoint)
	cfg.MinIO.AccessKey = getEnv("VIDEOAGENT_MINIO_ACCESS_KEY", cfg.MinIO.AccessKey)
	cfg.MinIO.SecretKey = getEnv("VIDEOAGENT_MINIO_SECRET_KEY", cfg.MinIO.SecretKey)
	cfg.MinIO.Bucket = getEnv("VIDEOAGENT_MINIO_BUCKET", cfg.MinIO.Bucket)
	cfg.Services.TextAPI = getEnv("VIDEOAGENT_TEXT_API", cfg.Services.TextAPI)
	cfg.Services.ImageAPI = getEnv("VIDEOAGENT_IMAGE_API", cfg.Services.ImageAPI)
	cfg.Services.VideoAPI = getEnv("VIDEOAGENT_VIDEO_API", cfg.Services.VideoAPI)
	cfg.Services.ComposeAPI = getEnv("VIDEOAGENT_COMPOSE_API", cfg.Services.ComposeAPI)
	cfg.Services.APIKey = getEnv("VIDEOAGENT_API_KEY", cfg.Services.APIKey)
	cfg.Retry.MaxRetries = getEnvInt("VIDEOAGENT_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Pipeline.Concurrency = getEnvInt("VIDEOAGENT_CONCURRENCY", cfg.Pipeline.Concurrency)
	cfg.Log.Level = getEnv("VIDEOAGENT_LOG_LEVEL", cfg.Log.Level)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "production"
	}
	if cfg.Retry.Timeout <= 0 {
		cfg.Retry.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = time.Second
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Retry.Jitter <= 0 {
		cfg.Retry.Jitter = 100 * time.Millisecond
	}
	if cfg.Retry.RateLimitCooldown <= 0 {
		cfg.Retry.RateLimitCooldown = 10 * time.Second
	}
	if cfg.Polling.Interval <= 0 {
		cfg.Polling.Interval = 3 * time.Second
	}
	if cfg.Pipeline.SegmentDuration <= 0 {
		cfg.Pipeline.SegmentDuration = 5
	}
	if cfg.Pipeline.MinShotDuration <= 0 {
		cfg.Pipeline.MinShotDuration = 2
	}
	if cfg.Pipeline.Concurrency <= 0 {
		cfg.Pipeline.Concurrency = 3
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 5
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
