package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chrome2nas/internal/scoring"
	"chrome2nas/pkg/model"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite SqliteConfig `yaml:"sqlite"`
	Log    LogConfig    `yaml:"log"`
	CDP    CDPConfig    `yaml:"cdp"`
	API    APIConfig    `yaml:"api"`
	NAS    NASConfig    `yaml:"nas"`
	Detect DetectConfig `yaml:"detect"`
}

type SqliteConfig struct {
	Dsn    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

type LogConfig struct {
	Level      string   `yaml:"level"`
	Writer     []string `yaml:"writer"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"maxSizeMB"`
	MaxBackups int      `yaml:"maxBackups"`
}

type CDPConfig struct {
	DevToolsURL  string        `yaml:"devtoolsURL"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

// NASConfig 首次启动时写入设置表的默认值
type NASConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"apiKey"`
	Timeout       time.Duration `yaml:"timeout"`
	HealthTimeout time.Duration `yaml:"healthTimeout"`
}

type DetectConfig struct {
	AutoDetect        bool          `yaml:"autoDetect"`
	ShowNotifications bool          `yaml:"showNotifications"`
	HeaderCapacity    int           `yaml:"headerCapacity"`
	OrphanCapacity    int           `yaml:"orphanCapacity"`
	OrphanMaxAge      time.Duration `yaml:"orphanMaxAge"`
	NotifyInterval    time.Duration `yaml:"notifyInterval"`
	JobHistory        int           `yaml:"jobHistory"`

	// 正在播放判定阈值
	StrongAbsolute float64       `yaml:"strongAbsolute"`
	ClearWinner    float64       `yaml:"clearWinner"`
	ManifestWinner float64       `yaml:"manifestWinner"`
	Margin         float64       `yaml:"margin"`
	Recent         time.Duration `yaml:"recent"`
	RecentManifest time.Duration `yaml:"recentManifest"`
}

// Thresholds 转换为打分阈值
func (d DetectConfig) Thresholds() scoring.Thresholds {
	return scoring.Thresholds{
		StrongAbsolute: d.StrongAbsolute,
		ClearWinner:    d.ClearWinner,
		ManifestWinner: d.ManifestWinner,
		Margin:         d.Margin,
		Recent:         d.Recent,
		RecentManifest: d.RecentManifest,
	}
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Dsn:    "chrome2nas.sqlite3",
			Prefix: "chrome2nas_",
		},
		Log: LogConfig{
			Level:  "info",
			Writer: []string{"console", "file"},
			File:   "logs/chrome2nas.log",
		},
		CDP: CDPConfig{
			DevToolsURL:  "http://127.0.0.1:9222",
			PollInterval: 2 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:52080",
		},
		NAS: NASConfig{
			Timeout:       30 * time.Second,
			HealthTimeout: 5 * time.Second,
		},
		Detect: DetectConfig{
			AutoDetect:        true,
			ShowNotifications: true,
			HeaderCapacity:    100,
			OrphanCapacity:    200,
			OrphanMaxAge:      5 * time.Minute,
			NotifyInterval:    time.Second,
			JobHistory:        50,
			StrongAbsolute:    scoring.DefaultThresholds.StrongAbsolute,
			ClearWinner:       scoring.DefaultThresholds.ClearWinner,
			ManifestWinner:    scoring.DefaultThresholds.ManifestWinner,
			Margin:            scoring.DefaultThresholds.Margin,
			Recent:            scoring.DefaultThresholds.Recent,
			RecentManifest:    scoring.DefaultThresholds.RecentManifest,
		},
	}
}

// Load 读取 YAML 配置并叠加环境变量；文件不存在时使用默认值
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.CDP.DevToolsURL, "CHROME2NAS_DEVTOOLS_URL")
	setString(&c.API.Listen, "CHROME2NAS_LISTEN")
	setString(&c.NAS.Endpoint, "CHROME2NAS_NAS_ENDPOINT")
	setString(&c.NAS.APIKey, "CHROME2NAS_API_KEY")
	setString(&c.Log.Level, "CHROME2NAS_LOG_LEVEL")
	setString(&c.Sqlite.Dsn, "CHROME2NAS_DB")
	if v := os.Getenv("CHROME2NAS_LOG_WRITER"); v != "" {
		c.Log.Writer = strings.Split(v, ",")
	}
	if v := os.Getenv("CHROME2NAS_AUTO_DETECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Detect.AutoDetect = b
		}
	}
}

// DefaultSettings 由配置生成的初始用户设置
func (c *Config) DefaultSettings() model.Settings {
	return model.Settings{
		NASEndpoint:       strings.TrimRight(c.NAS.Endpoint, "/"),
		APIKey:            c.NAS.APIKey,
		AutoDetect:        c.Detect.AutoDetect,
		ShowNotifications: c.Detect.ShowNotifications,
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
