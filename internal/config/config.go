package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Grader pool modes.
const (
	GraderModeScripted = "scripted"
	GraderModeSandbox  = "sandbox"
	GraderModeAI       = "ai"
)

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config holds runtime configuration values for the platform service and
// the grader pool.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	XQueueURL         string
	XQueueQueueName   string
	XQueueAccessKey   string
	XQueueSecretKey   string
	XQueueTimeout     time.Duration
	XQueueCallbackURL string
	XQueueWaitTime    time.Duration
	XQueuePendingTTL  time.Duration

	LockBackend   string
	LockTTL       time.Duration
	EventsChannel string

	SubmitRateLimit  int
	SubmitRateWindow time.Duration
	MaxFileMB        int

	DockerHost       string
	SandboxImage     string
	ExecutionTimeout time.Duration
	CodeRunMemoryMB  int
	CodeRunCPUShares int

	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string

	OpenAIAPIKey string
	OpenAIModel  string

	GraderPort         string
	GraderWorkers      int
	GraderQueueSize    int
	GraderMode         string
	GraderScriptsDir   string
	GraderGradeTimeout time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	return listenAddress(c.AppPort)
}

// GraderAddress returns the address of the grader pool server.
func (c Config) GraderAddress() string {
	return listenAddress(c.GraderPort)
}

// SandboxEnabled reports whether instructor code runs in the docker sandbox.
func (c Config) SandboxEnabled() bool {
	return c.SandboxImage != ""
}

// CloudinaryEnabled reports whether file submissions can be stored.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}

	return fmt.Sprintf(":%s", port)
}

// Load reads the platform service configuration from environment variables
// and an optional .env file.
func Load() (Config, error) {
	cfg, err := read()
	if err != nil {
		return Config{}, err
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.XQueueURL == "" || cfg.XQueueCallbackURL == "" {
		return Config{}, fmt.Errorf("xqueue url and callback url must be provided")
	}

	switch cfg.LockBackend {
	case LockBackendMemory:
	case LockBackendRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("redis lock backend requires a redis url")
		}
	default:
		return Config{}, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}

	return cfg, nil
}

// LoadGrader reads the grader pool configuration.
func LoadGrader() (Config, error) {
	cfg, err := read()
	if err != nil {
		return Config{}, err
	}

	switch cfg.GraderMode {
	case GraderModeScripted:
	case GraderModeSandbox:
		if cfg.GraderScriptsDir == "" {
			return Config{}, fmt.Errorf("sandbox grader requires a scripts directory")
		}
	case GraderModeAI:
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("ai grader requires an openai api key")
		}
	default:
		return Config{}, fmt.Errorf("unknown grader mode %q", cfg.GraderMode)
	}

	return cfg, nil
}

func read() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.url", "sqlite://gema-grader.db")
	v.SetDefault("xqueue.queue_name", "gema")
	v.SetDefault("xqueue.timeout", "5s")
	v.SetDefault("xqueue.waittime", "0s")
	v.SetDefault("xqueue.pending_ttl", "0s")
	v.SetDefault("lock.backend", LockBackendMemory)
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("events.channel", "gema:grader")
	v.SetDefault("submit.rate_limit", 10)
	v.SetDefault("submit.rate_window", "1m")
	v.SetDefault("max_file_mb", 5)
	v.SetDefault("execution_timeout_ms", 5000)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)
	v.SetDefault("cloudinary.folder", "gema/submissions")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("grader.port", "8081")
	v.SetDefault("grader.workers", 4)
	v.SetDefault("grader.queue_size", 64)
	v.SetDefault("grader.mode", GraderModeScripted)
	v.SetDefault("grader.grade_timeout", "30s")

	durations := map[string]time.Duration{}
	for _, key := range []string{"xqueue.timeout", "xqueue.waittime", "xqueue.pending_ttl", "lock.ttl", "submit.rate_window", "grader.grade_timeout"} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", strings.ReplaceAll(key, ".", " "), err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("%s must not be negative", strings.ReplaceAll(key, ".", " "))
		}
		durations[key] = d
	}

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		JWTSecret:   v.GetString("jwt.secret"),

		XQueueURL:         v.GetString("xqueue.url"),
		XQueueQueueName:   v.GetString("xqueue.queue_name"),
		XQueueAccessKey:   v.GetString("xqueue.access_key"),
		XQueueSecretKey:   v.GetString("xqueue.secret_key"),
		XQueueTimeout:     durations["xqueue.timeout"],
		XQueueCallbackURL: v.GetString("xqueue.callback_url"),
		XQueueWaitTime:    durations["xqueue.waittime"],
		XQueuePendingTTL:  durations["xqueue.pending_ttl"],

		LockBackend:   strings.ToLower(v.GetString("lock.backend")),
		LockTTL:       durations["lock.ttl"],
		EventsChannel: v.GetString("events.channel"),

		SubmitRateLimit:  v.GetInt("submit.rate_limit"),
		SubmitRateWindow: durations["submit.rate_window"],
		MaxFileMB:        v.GetInt("max_file_mb"),

		DockerHost:       v.GetString("docker_host"),
		SandboxImage:     v.GetString("sandbox.image"),
		ExecutionTimeout: time.Duration(timeoutMs) * time.Millisecond,
		CodeRunMemoryMB:  v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares: v.GetInt("code_run_cpu_shares"),

		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),

		OpenAIAPIKey: v.GetString("openai_api_key"),
		OpenAIModel:  v.GetString("openai.model"),

		GraderPort:         v.GetString("grader.port"),
		GraderWorkers:      v.GetInt("grader.workers"),
		GraderQueueSize:    v.GetInt("grader.queue_size"),
		GraderMode:         strings.ToLower(v.GetString("grader.mode")),
		GraderScriptsDir:   v.GetString("grader.scripts_dir"),
		GraderGradeTimeout: durations["grader.grade_timeout"],
	}

	if cfg.XQueueAccessKey == "" || cfg.XQueueSecretKey == "" {
		return Config{}, fmt.Errorf("xqueue access key and secret key must be provided")
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}

	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	if cfg.MaxFileMB <= 0 {
		cfg.MaxFileMB = 5
	}

	return cfg, nil
}
