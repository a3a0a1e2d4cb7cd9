// Package config loads every configuration key the orchestrator accepts
// from the environment, the same getEnv/getEnvInt/getEnvDuration idiom the
// teacher uses for its own agent configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func envLookup(key string) string {
	return os.Getenv(key)
}

// Config holds every accepted configuration key from §6, plus the
// additive keys this implementation introduces.
type Config struct {
	// Chat platform.
	TelegramBotToken      string
	TelegramChatIDs       []int64
	TelegramAllowedUsers  []int64
	HandleGeneralTopic    bool

	// Worker process.
	OpencodePath                string
	OpencodeMaxInstances        int
	OpencodeIdleTimeout         time.Duration
	OpencodePortStart           int
	OpencodePortPoolSize        int
	OpencodeHealthCheckInterval time.Duration
	OpencodeStartupTimeout      time.Duration

	// Persistence.
	OrchestratorDBPath string
	TopicDBPath        string
	LogDBPath          string

	// Project layout.
	ProjectBasePath      string
	AutoCreateProjectDirs bool

	// Container runtime.
	DockerImage         string
	OpencodeConfigPath  string
	ContainerPort       int
	EnvPassthrough      []string
	ContainerRuntime    string // "docker" (default), "mock" or "local-process"
	WorkerBinaryPath    string // alias for OpencodePath under local-process runtime

	// Registration API.
	APIPort         int
	APIKey          string
	RegistrationJWKSURL string

	// Correlation-tagged error reporting (§4.8). Empty URL disables the
	// external collector; local ERROR logging always happens regardless.
	ErrorReportURL   string
	ErrorReportToken string

	// Ambient.
	LogLevel  string
	LogFormat string
}

// Load reads every configuration key from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramBotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatIDs:      getEnvInt64Slice("TELEGRAM_CHAT_IDS", "TELEGRAM_CHAT_ID"),
		TelegramAllowedUsers: getEnvInt64SliceSingle("TELEGRAM_ALLOWED_USERS"),
		HandleGeneralTopic:   getEnvBool("HANDLE_GENERAL_TOPIC", false),

		OpencodePath:                getEnv("OPENCODE_PATH", "opencode"),
		OpencodeMaxInstances:        getEnvInt("OPENCODE_MAX_INSTANCES", 10),
		OpencodeIdleTimeout:         getEnvDuration("OPENCODE_IDLE_TIMEOUT", 30*time.Minute),
		OpencodePortStart:           getEnvInt("OPENCODE_PORT_START", 41000),
		OpencodePortPoolSize:        getEnvInt("OPENCODE_PORT_POOL_SIZE", 100),
		OpencodeHealthCheckInterval: getEnvDuration("OPENCODE_HEALTH_CHECK_INTERVAL", 15*time.Second),
		OpencodeStartupTimeout:      getEnvDuration("OPENCODE_STARTUP_TIMEOUT", 60*time.Second),

		OrchestratorDBPath: getEnv("ORCHESTRATOR_DB_PATH", "./data/orchestrator.db"),
		TopicDBPath:        getEnv("TOPIC_DB_PATH", ""),
		LogDBPath:          getEnv("LOG_DB_PATH", "./data/logs.db"),

		ProjectBasePath:       getEnv("PROJECT_BASE_PATH", "./projects"),
		AutoCreateProjectDirs: getEnvBool("AUTO_CREATE_PROJECT_DIRS", false),

		DockerImage:        getEnv("DOCKER_IMAGE", "oc-outpost/worker:latest"),
		OpencodeConfigPath: getEnv("OPENCODE_CONFIG_PATH", ""),
		ContainerPort:      getEnvInt("CONTAINER_PORT", 4096),
		EnvPassthrough:     getEnvStringSlice("ENV_PASSTHROUGH", nil),
		ContainerRuntime:   getEnv("CONTAINER_RUNTIME", "docker"),
		WorkerBinaryPath:   getEnv("WORKER_BINARY_PATH", ""),

		APIPort:             getEnvInt("API_PORT", 8090),
		APIKey:              getEnv("API_KEY", ""),
		RegistrationJWKSURL: getEnv("REGISTRATION_JWKS_URL", ""),

		ErrorReportURL:   getEnv("ERROR_REPORT_URL", ""),
		ErrorReportToken: getEnv("ERROR_REPORT_TOKEN", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.TopicDBPath == "" {
		cfg.TopicDBPath = cfg.OrchestratorDBPath
	}
	if cfg.WorkerBinaryPath == "" {
		cfg.WorkerBinaryPath = cfg.OpencodePath
	}

	if cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if len(cfg.TelegramChatIDs) == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_IDS (or TELEGRAM_CHAT_ID) is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := envLookup(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := envLookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := envLookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := envLookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := envLookup(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// getEnvInt64Slice reads a comma-separated list key, falling back to a
// scalar key treated as a one-element list — the resolution the spec
// mandates for the telegram_chat_ids / telegram_chat_id ambiguity.
func getEnvInt64Slice(listKey, scalarKey string) []int64 {
	if values := getEnvStringSlice(listKey, nil); len(values) > 0 {
		return parseInt64List(values)
	}
	if scalar := envLookup(scalarKey); scalar != "" {
		return parseInt64List([]string{scalar})
	}
	return nil
}

func getEnvInt64SliceSingle(key string) []int64 {
	return parseInt64List(getEnvStringSlice(key, nil))
}

func parseInt64List(values []string) []int64 {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
