package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Clip       ClipConfig       `mapstructure:"clip"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Transcribe TranscribeConfig `mapstructure:"transcribe"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	// busy_timeout lets concurrent workers wait on the sqlite write lock
	return c.Path + "?_busy_timeout=5000&_foreign_keys=on"
}

type QueueConfig struct {
	Driver       string        `mapstructure:"driver"`
	RedisURL     string        `mapstructure:"redis_url"`
	Namespace    string        `mapstructure:"namespace"`
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`
}

type PathsConfig struct {
	DownloadDir string `mapstructure:"download_dir"`
	ClipsDir    string `mapstructure:"clips_dir"`
	TempDir     string `mapstructure:"temp_dir"`
}

type ClipConfig struct {
	MinDuration       float64 `mapstructure:"min_duration"`
	ManualMaxDuration float64 `mapstructure:"manual_max_duration"`
	ShortAspectRatio  float64 `mapstructure:"short_aspect_ratio"`
	EditMethod        string  `mapstructure:"edit_method"`
}

type ToolsConfig struct {
	YTDLPPath         string        `mapstructure:"ytdlp_path"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`
	FFprobePath       string        `mapstructure:"ffprobe_path"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	FFmpegTimeout     time.Duration `mapstructure:"ffmpeg_timeout"`
	TranscribeTimeout time.Duration `mapstructure:"transcribe_timeout"`
	MetadataTimeout   time.Duration `mapstructure:"metadata_timeout"`
}

type TranscribeConfig struct {
	Provider     string `mapstructure:"provider"`
	WhisperPath  string `mapstructure:"whisper_path"`
	WhisperModel string `mapstructure:"whisper_model"`
	Language     string `mapstructure:"language"`
	OpenAIModel  string `mapstructure:"openai_model"`
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
}

type MetadataConfig struct {
	Provider            string       `mapstructure:"provider"`
	MaxTranscriptTokens int          `mapstructure:"max_transcript_tokens"`
	Gemini              GeminiConfig `mapstructure:"gemini"`
	OpenAI              OpenAIConfig `mapstructure:"openai"`
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

type RetryConfig struct {
	Agent      RetryPolicyConfig `mapstructure:"agent"`
	Clip       RetryPolicyConfig `mapstructure:"clip"`
	MaxBackoff time.Duration     `mapstructure:"max_backoff"`
}

type RetryPolicyConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

type WorkerConfig struct {
	ReclaimAfter    time.Duration `mapstructure:"reclaim_after"`
	StageLease      time.Duration `mapstructure:"stage_lease"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	MetricsPort     int           `mapstructure:"metrics_port"`
}

// Load reads configuration from an optional yaml file, .env and the environment.
// Parameters:
//   - configPath: explicit config file; empty searches ./configs and the working directory.
// Returns:
//   - *Config: populated configuration.
//   - error: non-nil if the file exists but cannot be parsed.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("queue.redis_url", "REDIS_URL")
	v.BindEnv("metadata.gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("metadata.gemini.model", "GEMINI_MODEL_NAME")
	v.BindEnv("metadata.openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("metadata.openai.base_url", "OPENAI_BASE_URL")
	v.BindEnv("transcribe.api_key", "OPENAI_API_KEY")
	v.BindEnv("transcribe.whisper_model", "WHISPER_MODEL")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("paths.download_dir", "DOWNLOAD_DIR")
	v.BindEnv("paths.clips_dir", "PROCESSED_CLIPS_DIR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/clipforge.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.namespace", "clipforge")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.heartbeat_ttl", 30*time.Second)

	v.SetDefault("paths.download_dir", "./data/downloads")
	v.SetDefault("paths.clips_dir", "./data/clips")
	v.SetDefault("paths.temp_dir", "")

	v.SetDefault("clip.min_duration", 1.5)
	v.SetDefault("clip.manual_max_duration", 120.0)
	v.SetDefault("clip.short_aspect_ratio", 9.0/16.0)
	v.SetDefault("clip.edit_method", "crop")

	v.SetDefault("tools.ytdlp_path", "yt-dlp")
	v.SetDefault("tools.ffmpeg_path", "ffmpeg")
	v.SetDefault("tools.ffprobe_path", "ffprobe")
	v.SetDefault("tools.download_timeout", 30*time.Minute)
	v.SetDefault("tools.ffmpeg_timeout", 10*time.Minute)
	v.SetDefault("tools.transcribe_timeout", 15*time.Minute)
	v.SetDefault("tools.metadata_timeout", 2*time.Minute)

	v.SetDefault("transcribe.provider", "whisper")
	v.SetDefault("transcribe.whisper_path", "whisper-cli")
	v.SetDefault("transcribe.whisper_model", "base.en")
	v.SetDefault("transcribe.openai_model", "whisper-1")
	v.SetDefault("transcribe.base_url", "https://api.openai.com/v1")

	v.SetDefault("metadata.provider", "gemini")
	v.SetDefault("metadata.max_transcript_tokens", 6000)
	v.SetDefault("metadata.gemini.model", "gemini-1.5-flash-latest")
	v.SetDefault("metadata.openai.model", "gpt-4o-mini")
	v.SetDefault("metadata.openai.base_url", "https://api.openai.com/v1")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.bucket", "clips")
	v.SetDefault("storage.prefix", "clips")

	v.SetDefault("retry.agent.max_retries", 2)
	v.SetDefault("retry.agent.backoff", 30*time.Second)
	v.SetDefault("retry.clip.max_retries", 1)
	v.SetDefault("retry.clip.backoff", 60*time.Second)
	v.SetDefault("retry.max_backoff", 10*time.Minute)

	v.SetDefault("worker.reclaim_after", 2*time.Hour)
	v.SetDefault("worker.stage_lease", 30*time.Minute)
	v.SetDefault("worker.reclaim_interval", 5*time.Minute)
	v.SetDefault("worker.metrics_port", 9091)
}

// Validate checks values that would otherwise fail deep inside a task.
func (c *Config) Validate() error {
	if c.Clip.MinDuration <= 0 {
		return fmt.Errorf("clip.min_duration must be positive, got %v", c.Clip.MinDuration)
	}
	if c.Clip.ManualMaxDuration < c.Clip.MinDuration {
		return fmt.Errorf("clip.manual_max_duration (%v) is below clip.min_duration (%v)", c.Clip.ManualMaxDuration, c.Clip.MinDuration)
	}
	if c.Clip.ShortAspectRatio <= 0 {
		return fmt.Errorf("clip.short_aspect_ratio must be positive")
	}
	switch c.Clip.EditMethod {
	case "crop", "resize":
	default:
		return fmt.Errorf("clip.edit_method must be crop or resize, got %q", c.Clip.EditMethod)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported queue.driver %q", c.Queue.Driver)
	}
	return nil
}
