// Package config loads the gateway configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	aiwarp "github.com/platformatic/ai-warp-sub000"
)

// Server holds the HTTP listener settings.
type Server struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Config is the full gateway configuration.
type Config struct {
	Server   Server         `yaml:"server"`
	LogLevel string         `yaml:"logLevel"`
	AI       aiwarp.Options `yaml:"ai"`
}

// Load reads the configuration file at path. Environment variables
// override file values with an AI_GATEWAY_ prefix, e.g.
// AI_GATEWAY_SERVER_ADDR. Provider API keys left empty in the file fall
// back to <PROVIDER>_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AI_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("logLevel", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			windowHook,
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}
	if err := v.Unmarshal(cfg, decode); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for name, p := range cfg.AI.Providers {
		if p.APIKey == "" {
			p.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
			cfg.AI.Providers[name] = p
		}
	}
	return cfg, nil
}

// windowHook decodes numbers and strings into aiwarp.Window values.
func windowHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(aiwarp.Window{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return aiwarp.WindowString(v), nil
	case int:
		return aiwarp.WindowMs(int64(v)), nil
	case int64:
		return aiwarp.WindowMs(v), nil
	case float64:
		return aiwarp.WindowMs(int64(v)), nil
	default:
		return data, nil
	}
}
