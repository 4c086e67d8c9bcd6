package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	tgviz "github.com/tgviz/tgviz-go"
)

const envPrefix = "TGVIZ_ECHO_"

// Environment overrides, one per scalar setting. Anything not listed
// here is configurable through the YAML file only.
var envKeys = map[string]string{
	"TGVIZ_ECHO_LOG_LEVEL":      "log.level",
	"TGVIZ_ECHO_LOG_FORMAT":     "log.format",
	"TGVIZ_ECHO_TELEGRAM_TOKEN": "telegram.token",
	"TGVIZ_ECHO_TGVIZ_TOKEN":    "tgviz.token",
	"TGVIZ_ECHO_TGVIZ_MODE":     "tgviz.mode",
	"TGVIZ_ECHO_TGVIZ_API_URL":  "tgviz.api_url",
}

type Config struct {
	Log      LogConfig      `yaml:"log" koanf:"log"`
	Telegram TelegramConfig `yaml:"telegram" koanf:"telegram"`
	TGViz    TGVizConfig    `yaml:"tgviz" koanf:"tgviz"`
	Health   HealthConfig   `yaml:"health" koanf:"health"`
}

type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token" koanf:"token"`
	AllowList []int64 `yaml:"allow_list" koanf:"allow_list"`
}

type TGVizConfig struct {
	Token          string `yaml:"token" koanf:"token"`
	Mode           string `yaml:"mode" koanf:"mode"`
	APIURL         string `yaml:"api_url" koanf:"api_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" koanf:"timeout_seconds"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Host    string `yaml:"host" koanf:"host"`
	Port    int    `yaml:"port" koanf:"port"`
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Telegram: TelegramConfig{
			Token:     "",
			AllowList: []int64{},
		},
		TGViz: TGVizConfig{
			Token:          "",
			Mode:           string(tgviz.ModeAsync),
			APIURL:         "",
			TimeoutSeconds: 5,
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    18080,
		},
	}
}

func Load(path string) (Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("access config file: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

func (c *Config) Normalize() {
	defaults := Default()
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = defaults.Log.Level
	}
	if strings.TrimSpace(c.Log.Format) == "" {
		c.Log.Format = defaults.Log.Format
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.TGViz.Mode = strings.ToLower(strings.TrimSpace(c.TGViz.Mode))
	if c.TGViz.Mode == "" {
		c.TGViz.Mode = defaults.TGViz.Mode
	}
	if c.TGViz.TimeoutSeconds <= 0 {
		c.TGViz.TimeoutSeconds = defaults.TGViz.TimeoutSeconds
	}
	if c.Health.Host == "" {
		c.Health.Host = defaults.Health.Host
	}
	if c.Health.Port <= 0 {
		c.Health.Port = defaults.Health.Port
	}
	if c.Telegram.AllowList == nil {
		c.Telegram.AllowList = []int64{}
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.TGViz.Token) == "" {
		return errors.New("tgviz.token is required")
	}
	if !tgviz.ProcessingMode(c.TGViz.Mode).Valid() {
		return fmt.Errorf("tgviz.mode must be %q or %q, got %q", tgviz.ModeAsync, tgviz.ModeSync, c.TGViz.Mode)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port must be in 1..65535, got %d", c.Health.Port)
	}
	return nil
}

func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
