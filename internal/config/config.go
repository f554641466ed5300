package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	LLM         LLMConfig       `yaml:"llm"`
	Interview   InterviewConfig `yaml:"interview"`
	Capture     CaptureConfig   `yaml:"capture"`
	STT         STTConfig       `yaml:"stt"`
	Archive     ArchiveConfig   `yaml:"archive"`
	Notify      NotifyConfig    `yaml:"notify"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // sqlite, postgres
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxInterviews int    `yaml:"max_interviews"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, gemini, vertex
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Project     string  `yaml:"project"`
	Location    string  `yaml:"location"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
	MaxRetries  int     `yaml:"max_retries"`
}

type InterviewConfig struct {
	QuestionCount int `yaml:"question_count"`
	MaxActive     int `yaml:"max_active"`
}

type CaptureConfig struct {
	Devices           string `yaml:"devices"` // local, bus
	CountdownSeconds  int    `yaml:"countdown_seconds"`
	TickMS            int    `yaml:"tick_ms"`
	MaxRestarts       int    `yaml:"max_restarts"`
	AnalysisTimeoutMS int    `yaml:"analysis_timeout_ms"`
	AnalyzeAnswers    bool   `yaml:"analyze_answers"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
	IdleTimeoutMS   int    `yaml:"idle_timeout_ms"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

func Default() Config {
	return Config{
		ServiceName: "interview-buddy",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        5000,
			MaxUploadMB: 10,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 2000,
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			Path:          "./data/interview-buddy.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxInterviews: 10000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "gemini-2.0-flash",
			Location:    "us-central1",
			MaxTokens:   2048,
			Temperature: 0.4,
			TimeoutMS:   60000,
			MaxRetries:  3,
		},
		Interview: InterviewConfig{
			QuestionCount: 3,
			MaxActive:     100,
		},
		Capture: CaptureConfig{
			Devices:           "local",
			CountdownSeconds:  3,
			TickMS:            1000,
			MaxRestarts:       5,
			AnalysisTimeoutMS: 60000,
		},
		STT: STTConfig{
			Enabled:         true,
			Mode:            "mock",
			Language:        "en-US",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			PublishInterim:  true,
			IdleTimeoutMS:   1500,
		},
		Archive: ArchiveConfig{
			Prefix: "interviews",
			Region: "us-east-1",
		},
		Notify: NotifyConfig{
			Exchange: "interview_updates",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "BUDDY_SERVICE_NAME")
	overrideString(&cfg.Environment, "BUDDY_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "BUDDY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "BUDDY_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "BUDDY_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "BUDDY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "BUDDY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "BUDDY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "BUDDY_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "BUDDY_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "BUDDY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "BUDDY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BUDDY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BUDDY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BUDDY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BUDDY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BUDDY_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "BUDDY_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Store.Driver, "BUDDY_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "BUDDY_STORE_PATH")
	overrideString(&cfg.Store.DSN, "BUDDY_STORE_DSN")
	overrideString(&cfg.Store.RetentionMode, "BUDDY_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "BUDDY_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxInterviews, "BUDDY_STORE_MAX_INTERVIEWS")
	overrideBool(&cfg.Store.VacuumOnStart, "BUDDY_STORE_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "BUDDY_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "BUDDY_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "BUDDY_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "BUDDY_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "BUDDY_LLM_API_KEY")
	overrideString(&cfg.LLM.Project, "BUDDY_LLM_PROJECT")
	overrideString(&cfg.LLM.Location, "BUDDY_LLM_LOCATION")
	overrideInt(&cfg.LLM.MaxTokens, "BUDDY_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "BUDDY_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "BUDDY_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.MaxRetries, "BUDDY_LLM_MAX_RETRIES")
	overrideInt(&cfg.Interview.QuestionCount, "BUDDY_INTERVIEW_QUESTION_COUNT")
	overrideInt(&cfg.Interview.MaxActive, "BUDDY_INTERVIEW_MAX_ACTIVE")
	overrideString(&cfg.Capture.Devices, "BUDDY_CAPTURE_DEVICES")
	overrideInt(&cfg.Capture.CountdownSeconds, "BUDDY_CAPTURE_COUNTDOWN_SECONDS")
	overrideInt(&cfg.Capture.TickMS, "BUDDY_CAPTURE_TICK_MS")
	overrideInt(&cfg.Capture.MaxRestarts, "BUDDY_CAPTURE_MAX_RESTARTS")
	overrideInt(&cfg.Capture.AnalysisTimeoutMS, "BUDDY_CAPTURE_ANALYSIS_TIMEOUT_MS")
	overrideBool(&cfg.Capture.AnalyzeAnswers, "BUDDY_CAPTURE_ANALYZE_ANSWERS")
	overrideBool(&cfg.STT.Enabled, "BUDDY_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "BUDDY_STT_MODE")
	overrideString(&cfg.STT.Command, "BUDDY_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "BUDDY_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "BUDDY_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "BUDDY_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "BUDDY_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "BUDDY_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "BUDDY_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "BUDDY_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.IdleTimeoutMS, "BUDDY_STT_IDLE_TIMEOUT_MS")
	overrideBool(&cfg.Archive.Enabled, "BUDDY_ARCHIVE_ENABLED")
	overrideString(&cfg.Archive.Bucket, "BUDDY_ARCHIVE_BUCKET")
	overrideString(&cfg.Archive.Prefix, "BUDDY_ARCHIVE_PREFIX")
	overrideString(&cfg.Archive.Region, "BUDDY_ARCHIVE_REGION")
	overrideString(&cfg.Archive.Endpoint, "BUDDY_ARCHIVE_ENDPOINT")
	overrideString(&cfg.Archive.AccessKeyID, "BUDDY_ARCHIVE_ACCESS_KEY_ID")
	overrideString(&cfg.Archive.SecretAccessKey, "BUDDY_ARCHIVE_SECRET_ACCESS_KEY")
	overrideBool(&cfg.Archive.UsePathStyle, "BUDDY_ARCHIVE_USE_PATH_STYLE")
	overrideBool(&cfg.Notify.Enabled, "BUDDY_NOTIFY_ENABLED")
	overrideString(&cfg.Notify.URL, "BUDDY_NOTIFY_URL")
	overrideString(&cfg.Notify.Exchange, "BUDDY_NOTIFY_EXCHANGE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when driver=sqlite")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn must be set when driver=postgres")
		}
	default:
		return errors.New("store.driver must be one of sqlite|postgres")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "gemini", "vertex":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|gemini|vertex")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.Mode == "gemini" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key (or GEMINI_API_KEY) must be set when mode=gemini")
	}
	if cfg.LLM.Mode == "vertex" && cfg.LLM.Project == "" {
		return errors.New("llm.project must be set when mode=vertex")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries must be >= 0")
	}
	if cfg.Interview.QuestionCount <= 0 {
		return errors.New("interview.question_count must be positive")
	}
	if cfg.Interview.MaxActive <= 0 {
		return errors.New("interview.max_active must be positive")
	}
	switch cfg.Capture.Devices {
	case "local", "bus":
	default:
		return errors.New("capture.devices must be one of local|bus")
	}
	if cfg.Capture.CountdownSeconds <= 0 {
		return errors.New("capture.countdown_seconds must be positive")
	}
	if cfg.Capture.TickMS <= 0 {
		return errors.New("capture.tick_ms must be positive")
	}
	if cfg.Capture.MaxRestarts < 0 {
		return errors.New("capture.max_restarts must be >= 0")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.IdleTimeoutMS <= 0 {
			return errors.New("stt.idle_timeout_ms must be positive")
		}
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return errors.New("archive.bucket must be set when archive is enabled")
	}
	if cfg.Notify.Enabled {
		if cfg.Notify.URL == "" {
			return errors.New("notify.url must be set when notify is enabled")
		}
		if cfg.Notify.Exchange == "" {
			return errors.New("notify.exchange must not be empty when notify is enabled")
		}
	}
	return nil
}
