package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig(false)
	require.NoError(t, err)

	assert.Equal(t, 3000, conf.TokenBudgetPerBatch)
	assert.Equal(t, 1200, conf.PerEmailTokenCap)
	assert.Equal(t, 7, conf.TTLDays)
	assert.Equal(t, 3, conf.MaxRetries)
	assert.Equal(t, 4, conf.WorkerConcurrency)
	assert.Equal(t, "gpt-4.1-mini", conf.Model)
	assert.Equal(t, 60*time.Second, conf.RequestTimeout)
	assert.NoError(t, conf.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("TOKEN_BUDGET_PER_BATCH", "800")
	t.Setenv("PER_EMAIL_TOKEN_CAP", "400")
	t.Setenv("WORKER_CONCURRENCY", "2")
	t.Setenv("ANALYSIS_MODEL", "gpt-4o")
	t.Setenv("REQUEST_TIMEOUT", "15s")

	conf, err := LoadConfig(false)
	require.NoError(t, err)

	assert.Equal(t, 800, conf.TokenBudgetPerBatch)
	assert.Equal(t, 400, conf.PerEmailTokenCap)
	assert.Equal(t, 2, conf.WorkerConcurrency)
	assert.Equal(t, "gpt-4o", conf.Model)
	assert.Equal(t, 15*time.Second, conf.RequestTimeout)
}

func TestLoadConfigIgnoresGarbageNumbers(t *testing.T) {
	t.Setenv("TOKEN_BUDGET_PER_BATCH", "not-a-number")
	t.Setenv("TEMPERATURE", "warm")

	conf, err := LoadConfig(false)
	require.NoError(t, err)

	assert.Equal(t, 3000, conf.TokenBudgetPerBatch)
	assert.Equal(t, 0.2, conf.Temperature)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		conf, err := LoadConfig(false)
		require.NoError(t, err)
		return conf
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}, wantErr: ""},
		{name: "empty model", mutate: func(c *Config) { c.Model = "" }, wantErr: "model"},
		{name: "zero budget", mutate: func(c *Config) { c.TokenBudgetPerBatch = 0 }, wantErr: "budget"},
		{name: "negative cap", mutate: func(c *Config) { c.PerEmailTokenCap = -1 }, wantErr: "cap"},
		{name: "cap over budget", mutate: func(c *Config) { c.PerEmailTokenCap = c.TokenBudgetPerBatch + 1 }, wantErr: "exceeds"},
		{name: "zero ttl", mutate: func(c *Config) { c.TTLDays = 0 }, wantErr: "ttl"},
		{name: "zero retries", mutate: func(c *Config) { c.MaxRetries = 0 }, wantErr: "retries"},
		{name: "zero workers", mutate: func(c *Config) { c.WorkerConcurrency = 0 }, wantErr: "concurrency"},
		{name: "temperature out of range", mutate: func(c *Config) { c.Temperature = 3.5 }, wantErr: "temperature"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := valid()
			tc.mutate(conf)
			err := conf.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestTTL(t *testing.T) {
	conf := &Config{TTLDays: 3}
	assert.Equal(t, 72*time.Hour, conf.TTL())
}
