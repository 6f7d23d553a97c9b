package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	defaultListen         = "127.0.0.1:8480"
	defaultChunkSize      = 4096
	defaultSampleEvery    = 16
	defaultRequestTimeout = time.Minute
	defaultTargetDir      = "/var/lib/updagent"
	defaultFileName       = "update.bin"
	defaultGrantDir       = "/var/lib/updagent/grants"
	defaultGrantTTL       = 5 * time.Minute

	envListen   = "UPDAGENT_LISTEN"
	envRedisURL = "UPDAGENT_REDIS_URL"
	envCheckURL = "UPDAGENT_CHECK_URL"
)

type DownloaderConfig struct {
	TargetDir      string        `yaml:"target_dir"`
	FileName       string        `yaml:"file_name"`
	ChunkSize      int           `yaml:"chunk_size"`
	SampleEvery    int           `yaml:"sample_every"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type InstallerConfig struct {
	// AllowUnknownSources gates install dispatch the way a platform
	// permission would; SettingsHint is surfaced to the UI when it is off.
	AllowUnknownSources bool          `yaml:"allow_unknown_sources"`
	SettingsHint        string        `yaml:"settings_hint"`
	GrantDir            string        `yaml:"grant_dir"`
	GrantTTL            time.Duration `yaml:"grant_ttl"`
	Command             []string      `yaml:"command"`
	SelfApply           bool          `yaml:"self_apply"`
}

type Config struct {
	Listen     string           `yaml:"listen"`
	RedisURL   string           `yaml:"redis_url"`
	CheckURL   string           `yaml:"check_url"`
	LocalBuild int64            `yaml:"local_build"`
	Platform   string           `yaml:"platform"`
	LogLevel   string           `yaml:"log_level"`
	// StatusTemplate overrides the embedded status page template.
	StatusTemplate string `yaml:"status_template"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Installer  InstallerConfig  `yaml:"installer"`
}

func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo
	}
	if c.Downloader.TargetDir == "" {
		c.Downloader.TargetDir = defaultTargetDir
	}
	if c.Downloader.FileName == "" {
		c.Downloader.FileName = defaultFileName
	}
	if c.Downloader.ChunkSize < 1 {
		c.Downloader.ChunkSize = defaultChunkSize
	}
	if c.Downloader.SampleEvery < 1 {
		c.Downloader.SampleEvery = defaultSampleEvery
	}
	if c.Downloader.RequestTimeout < 1 {
		c.Downloader.RequestTimeout = defaultRequestTimeout
	}
	if c.Installer.GrantDir == "" {
		c.Installer.GrantDir = defaultGrantDir
	}
	if c.Installer.GrantTTL < 1 {
		c.Installer.GrantTTL = defaultGrantTTL
	}
}

// TargetPath is the single well-known artifact path. One update slot at a
// time, the agent never downloads two versions concurrently.
func (c *Config) TargetPath() string {
	return filepath.Join(c.Downloader.TargetDir, c.Downloader.FileName)
}

func Load(fileName string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config

	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}

	if v := os.Getenv(envListen); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(envCheckURL); v != "" {
		cfg.CheckURL = v
	}

	cfg.SetDefaults()

	if cfg.CheckURL == "" {
		return nil, fmt.Errorf("check_url must be set")
	}

	return &cfg, nil
}

func MustLoad(fileName string) *Config {
	cfg, err := Load(fileName)
	if err != nil {
		panic(err)
	}

	return cfg
}
