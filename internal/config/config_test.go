package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotEmpty(t, cfg.Server.Host)
	assert.NotZero(t, cfg.Server.Port)
	assert.Equal(t, "pipeflow", cfg.Database.Name)
	assert.NotEmpty(t, cfg.Log.Level)

	// 自动化默认值
	assert.Equal(t, 10, cfg.Automation.MaxCascadeDepth)
	assert.Greater(t, cfg.Automation.CascadeWorkers, 0)
	assert.Greater(t, cfg.Automation.CascadeQueueSize, 0)
	assert.Contains(t, cfg.Automation.DefaultEmailBody, "{{form.link}}")
}

func TestConfig_DatabaseSettings(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotZero(t, cfg.Database.MaxOpenConns)
	assert.NotZero(t, cfg.Database.MaxIdleConns)
	assert.NotZero(t, cfg.Database.ConnMaxLifetime)
	assert.Contains(t, cfg.Database.DSN(), "dbname=pipeflow")
	assert.Contains(t, cfg.Database.DSN(), "sslmode=disable")
}

func TestLoadFrom_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := `
server:
  port: 9090
email:
  base_url: http://mailer:8000
  timeout: 3s
automation:
  max_cascade_depth: 4
  form_link_base_url: https://app.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://mailer:8000", cfg.Email.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Email.Timeout)
	assert.Equal(t, 4, cfg.Automation.MaxCascadeDepth)
	assert.Equal(t, "https://app.example.com", cfg.Automation.FormLinkBaseURL)
	// 未覆盖的保持默认
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 2, cfg.Automation.CascadeWorkers)
}

func TestConfigureLogger(t *testing.T) {
	logger := logrus.New()
	require.NoError(t, ConfigureLogger(logger, LogConfig{Level: "debug", Format: "text", Output: "stdout"}))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)

	// 非法级别回退到 info
	logger = logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	require.NoError(t, ConfigureLogger(logger, LogConfig{Level: "loud", Format: "json", Output: "stdout"}))
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), "Invalid log level")
}

func TestConfigureLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := logrus.New()
	cfg := LogConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: filepath.Join(dir, "nested", "app.log"),
		MaxSize:  1,
	}
	require.NoError(t, ConfigureLogger(logger, cfg))
	logger.Info("hello")

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
