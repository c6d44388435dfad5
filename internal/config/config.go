package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the intake bot.
type Config struct {
	Environment string
	LogLevel    string
	HTTPAddr    string

	Telegram      TelegramConfig
	Drive         DriveConfig
	Transcription TranscriptionConfig
	Analysis      AnalysisConfig
	Media         MediaConfig
	Acquire       AcquireConfig
	Batch         BatchConfig
	Session       SessionConfig
	Sink          SinkConfig

	// Workflows are preset analysis workflows offered as buttons.
	Workflows []Workflow
}

type TelegramConfig struct {
	Token         string
	APIURL        string
	Mode          string // polling | webhook
	WebhookURL    string
	WebhookPath   string
	WebhookSecret string
	PollTimeout   time.Duration
}

// DriveConfig authenticates against Drive. CredentialsFile wins over
// AccessToken, which wins over APIKey; none means application default
// credentials.
type DriveConfig struct {
	APIURL          string
	CredentialsFile string
	AccessToken     string
	APIKey          string
}

type TranscriptionConfig struct {
	URL      string
	APIKey   string
	Model    string
	Language string
	Protocol string // multipart | raw
	Ceiling  int64
	Timeout  time.Duration
	MaxRetry int
}

type AnalysisConfig struct {
	URL            string
	APIKey         string
	PollInterval   time.Duration
	Timeout        time.Duration
	ExtractorModel string
}

type MediaConfig struct {
	FFmpegPath       string
	FFprobePath      string
	SampleRate       int
	BitrateKbps      int
	MinDuration      time.Duration
	MinChunkDuration time.Duration
	Workers          int
	TempDir          string
}

type AcquireConfig struct {
	MaxUploadBytes int64
	MaxRemoteBytes int64
	Attempts       int
	BackoffStep    time.Duration
}

type BatchConfig struct {
	Concurrency int
	MaxItems    int
	PageLines   int
}

type SessionConfig struct {
	Driver        string // memory | redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

type SinkConfig struct {
	Driver string // xlsx | sqlite | postgres
	Dir    string
	DSN    string
	Sheet  string
}

// Workflow is a named analysis workflow id.
type Workflow struct {
	Name string
	ID   string
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	// Load .env in dev only. Production injects env vars through infra.
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.mode", "polling")
	v.SetDefault("telegram.webhook_path", "/telegram/webhook")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)

	v.SetDefault("transcribe.url", "https://api.openai.com/v1")
	v.SetDefault("transcribe.model", "whisper-1")
	v.SetDefault("transcribe.language", "ru")
	v.SetDefault("transcribe.protocol", "multipart")
	v.SetDefault("transcribe.ceiling_bytes", 24*1024*1024)
	v.SetDefault("transcribe.timeout", 5*time.Minute)
	v.SetDefault("transcribe.max_retry", 2)

	v.SetDefault("analysis.url", "https://api.openai.com/v1")
	v.SetDefault("analysis.poll_interval", time.Second)
	v.SetDefault("analysis.timeout", 5*time.Minute)
	v.SetDefault("analysis.extractor_model", "gpt-4o-mini")

	v.SetDefault("media.ffmpeg", "ffmpeg")
	v.SetDefault("media.ffprobe", "ffprobe")
	v.SetDefault("media.sample_rate", 16000)
	v.SetDefault("media.bitrate_kbps", 64)
	v.SetDefault("media.min_duration", 3*time.Second)
	v.SetDefault("media.min_chunk_duration", 10*time.Second)
	v.SetDefault("media.workers", 2)
	v.SetDefault("media.temp_dir", os.TempDir())

	v.SetDefault("acquire.max_upload_bytes", 100*1024*1024)
	v.SetDefault("acquire.max_remote_bytes", 500*1024*1024)
	v.SetDefault("acquire.attempts", 3)
	v.SetDefault("acquire.backoff_step", 2*time.Second)

	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.max_items", 1000)
	v.SetDefault("batch.page_lines", 40)

	v.SetDefault("session.driver", "memory")
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.ttl", 0)

	v.SetDefault("sink.driver", "xlsx")
	v.SetDefault("sink.dir", "./sinks")
	v.SetDefault("sink.sheet", "Results")

	v.SetDefault("workflows", "")
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Environment: v.GetString("environment"),
		LogLevel:    v.GetString("log_level"),
		HTTPAddr:    v.GetString("http.addr"),
		Telegram: TelegramConfig{
			Token:         v.GetString("telegram.token"),
			APIURL:        v.GetString("telegram.api_url"),
			Mode:          v.GetString("telegram.mode"),
			WebhookURL:    v.GetString("telegram.webhook_url"),
			WebhookPath:   v.GetString("telegram.webhook_path"),
			WebhookSecret: v.GetString("telegram.webhook_secret"),
			PollTimeout:   v.GetDuration("telegram.poll_timeout"),
		},
		Drive: DriveConfig{
			APIURL:          v.GetString("drive.api_url"),
			CredentialsFile: v.GetString("drive.credentials_file"),
			AccessToken:     v.GetString("drive.access_token"),
			APIKey:          v.GetString("drive.api_key"),
		},
		Transcription: TranscriptionConfig{
			URL:      v.GetString("transcribe.url"),
			APIKey:   v.GetString("transcribe.api_key"),
			Model:    v.GetString("transcribe.model"),
			Language: v.GetString("transcribe.language"),
			Protocol: v.GetString("transcribe.protocol"),
			Ceiling:  v.GetInt64("transcribe.ceiling_bytes"),
			Timeout:  v.GetDuration("transcribe.timeout"),
			MaxRetry: v.GetInt("transcribe.max_retry"),
		},
		Analysis: AnalysisConfig{
			URL:            v.GetString("analysis.url"),
			APIKey:         v.GetString("analysis.api_key"),
			PollInterval:   v.GetDuration("analysis.poll_interval"),
			Timeout:        v.GetDuration("analysis.timeout"),
			ExtractorModel: v.GetString("analysis.extractor_model"),
		},
		Media: MediaConfig{
			FFmpegPath:       v.GetString("media.ffmpeg"),
			FFprobePath:      v.GetString("media.ffprobe"),
			SampleRate:       v.GetInt("media.sample_rate"),
			BitrateKbps:      v.GetInt("media.bitrate_kbps"),
			MinDuration:      v.GetDuration("media.min_duration"),
			MinChunkDuration: v.GetDuration("media.min_chunk_duration"),
			Workers:          v.GetInt("media.workers"),
			TempDir:          v.GetString("media.temp_dir"),
		},
		Acquire: AcquireConfig{
			MaxUploadBytes: v.GetInt64("acquire.max_upload_bytes"),
			MaxRemoteBytes: v.GetInt64("acquire.max_remote_bytes"),
			Attempts:       v.GetInt("acquire.attempts"),
			BackoffStep:    v.GetDuration("acquire.backoff_step"),
		},
		Batch: BatchConfig{
			Concurrency: v.GetInt("batch.concurrency"),
			MaxItems:    v.GetInt("batch.max_items"),
			PageLines:   v.GetInt("batch.page_lines"),
		},
		Session: SessionConfig{
			Driver:        v.GetString("session.driver"),
			RedisAddr:     v.GetString("session.redis_addr"),
			RedisPassword: v.GetString("session.redis_password"),
			RedisDB:       v.GetInt("session.redis_db"),
			TTL:           v.GetDuration("session.ttl"),
		},
		Sink: SinkConfig{
			Driver: v.GetString("sink.driver"),
			Dir:    v.GetString("sink.dir"),
			DSN:    v.GetString("sink.dsn"),
			Sheet:  v.GetString("sink.sheet"),
		},
	}

	wfs, err := ParseWorkflows(v.GetString("workflows"))
	if err != nil {
		return Config{}, err
	}
	cfg.Workflows = wfs

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseWorkflows parses "Name=id,Other=id2". A bare id is named after itself.
func ParseWorkflows(s string) ([]Workflow, error) {
	var out []Workflow
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, id, ok := strings.Cut(part, "=")
		if !ok {
			id = name
		}
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("workflows: empty id in %q", part)
		}
		out = append(out, Workflow{Name: name, ID: id})
	}
	return out, nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var problems []error
	if c.Telegram.Token == "" {
		problems = append(problems, errors.New("TELEGRAM_TOKEN is required"))
	}
	switch c.Telegram.Mode {
	case "polling":
	case "webhook":
		if c.Telegram.WebhookURL == "" {
			problems = append(problems, errors.New("TELEGRAM_WEBHOOK_URL is required in webhook mode"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown TELEGRAM_MODE %q", c.Telegram.Mode))
	}
	switch c.Transcription.Protocol {
	case "multipart", "raw":
	default:
		problems = append(problems, fmt.Errorf("unknown TRANSCRIBE_PROTOCOL %q", c.Transcription.Protocol))
	}
	if c.Transcription.Ceiling <= 0 {
		problems = append(problems, errors.New("TRANSCRIBE_CEILING_BYTES must be positive"))
	}
	if c.Analysis.PollInterval <= 0 || c.Analysis.Timeout <= 0 {
		problems = append(problems, errors.New("analysis poll interval and timeout must be positive"))
	}
	if c.Media.SampleRate <= 0 || c.Media.BitrateKbps <= 0 || c.Media.Workers <= 0 {
		problems = append(problems, errors.New("media sample rate, bitrate and workers must be positive"))
	}
	if c.Acquire.MaxUploadBytes <= 0 || c.Acquire.MaxRemoteBytes <= 0 || c.Acquire.Attempts <= 0 {
		problems = append(problems, errors.New("acquire limits must be positive"))
	}
	if c.Batch.Concurrency <= 0 || c.Batch.MaxItems <= 0 || c.Batch.PageLines <= 0 {
		problems = append(problems, errors.New("batch limits must be positive"))
	}
	switch c.Session.Driver {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Errorf("unknown SESSION_DRIVER %q", c.Session.Driver))
	}
	switch c.Sink.Driver {
	case "xlsx", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Errorf("unknown SINK_DRIVER %q", c.Sink.Driver))
	}
	if (c.Sink.Driver == "sqlite" || c.Sink.Driver == "postgres") && c.Sink.DSN == "" {
		problems = append(problems, errors.New("SINK_DSN is required for sql sinks"))
	}
	return errors.Join(problems...)
}
