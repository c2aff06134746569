package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

type Config struct {
	CompletionsAPIURL   string
	CompletionsAPIKey   string
	Model               string
	TokenBudgetPerBatch int
	PerEmailTokenCap    int
	TTLDays             int
	MaxRetries          int
	WorkerConcurrency   int
	RateLimitPerMinute  int
	MaxOutputTokens     int
	Temperature         float64
	RequestTimeout      time.Duration
	DBPath              string
	NatsURL             string
}

func getEnv(key, defaultValue string, printEnv bool) string {
	logger := log.Default()
	value := os.Getenv(key)
	if printEnv {
		logger.Info("Env", "key", key, "value", value)
	}
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int, printEnv bool) int {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Default().Warn("Ignoring non-integer env value", "key", key, "value", raw)
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64, printEnv bool) float64 {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Default().Warn("Ignoring non-numeric env value", "key", key, "value", raw)
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration, printEnv bool) time.Duration {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Default().Warn("Ignoring unparseable env duration", "key", key, "value", raw)
		return defaultValue
	}
	return value
}

func LoadConfig(printEnv bool) (*Config, error) {
	_ = godotenv.Load()

	conf := &Config{
		CompletionsAPIURL:   getEnv("COMPLETIONS_API_URL", "https://api.openai.com/v1", printEnv),
		CompletionsAPIKey:   getEnv("COMPLETIONS_API_KEY", "", printEnv),
		Model:               getEnv("ANALYSIS_MODEL", "gpt-4.1-mini", printEnv),
		TokenBudgetPerBatch: getEnvInt("TOKEN_BUDGET_PER_BATCH", 3000, printEnv),
		PerEmailTokenCap:    getEnvInt("PER_EMAIL_TOKEN_CAP", 1200, printEnv),
		TTLDays:             getEnvInt("TTL_DAYS", 7, printEnv),
		MaxRetries:          getEnvInt("MAX_RETRIES", 3, printEnv),
		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 4, printEnv),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60, printEnv),
		MaxOutputTokens:     getEnvInt("MAX_OUTPUT_TOKENS", 1024, printEnv),
		Temperature:         getEnvFloat("TEMPERATURE", 0.2, printEnv),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 60*time.Second, printEnv),
		DBPath:              getEnv("DB_PATH", "./output/sqlite/analysis.db", printEnv),
		NatsURL:             getEnv("NATS_URL", "nats://127.0.0.1:4222", printEnv),
	}

	return conf, nil
}

// Validate checks the settings that the pipeline depends on. It is
// called once at service construction so bad configuration fails
// before any email is submitted.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("analysis model must not be empty")
	}
	if c.TokenBudgetPerBatch <= 0 {
		return fmt.Errorf("token budget per batch must be positive, got %d", c.TokenBudgetPerBatch)
	}
	if c.PerEmailTokenCap <= 0 {
		return fmt.Errorf("per-email token cap must be positive, got %d", c.PerEmailTokenCap)
	}
	if c.PerEmailTokenCap > c.TokenBudgetPerBatch {
		return fmt.Errorf("per-email token cap %d exceeds batch budget %d", c.PerEmailTokenCap, c.TokenBudgetPerBatch)
	}
	if c.TTLDays < 1 {
		return fmt.Errorf("ttl days must be at least 1, got %d", c.TTLDays)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("rate limit per minute must be at least 1, got %d", c.RateLimitPerMinute)
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("max output tokens must be positive, got %d", c.MaxOutputTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %g", c.Temperature)
	}
	return nil
}

// TTL returns the cache lifetime implied by TTLDays.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}
