package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "SPEECHBUF"

type Config struct {
	SpeechmaticsAPIKey string
	SpeechmaticsURL    string
	Language           string
	ChunkMs            int
	ReconnectDelay     time.Duration
	MaxReconnects      int
	DatabaseURL        string
	HTTPPort           int
	LogLevel           log.Level
	Realtime           bool
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("speechmatics_url", "wss://eu2.rt.speechmatics.com/v2")
	v.SetDefault("language", "en")
	v.SetDefault("chunk_ms", 100)
	v.SetDefault("reconnect_delay", time.Second)
	v.SetDefault("max_reconnects", 5)
	v.SetDefault("http_port", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("realtime", false)
}

// Init reads config.yaml from the working directory, if there is one, and
// lets SPEECHBUF_* environment variables override it.
func Init(v *viper.Viper) error {
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	level, err := log.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid log_level: %w", err)
	}

	c := Config{
		SpeechmaticsAPIKey: v.GetString("speechmatics_api_key"),
		SpeechmaticsURL:    v.GetString("speechmatics_url"),
		Language:           v.GetString("language"),
		ChunkMs:            v.GetInt("chunk_ms"),
		ReconnectDelay:     v.GetDuration("reconnect_delay"),
		MaxReconnects:      v.GetInt("max_reconnects"),
		DatabaseURL:        v.GetString("database_url"),
		HTTPPort:           v.GetInt("http_port"),
		LogLevel:           level,
		Realtime:           v.GetBool("realtime"),
	}

	if c.ChunkMs <= 0 {
		return Config{}, fmt.Errorf("chunk_ms must be positive, got %d", c.ChunkMs)
	}
	if c.MaxReconnects < 0 {
		return Config{}, fmt.Errorf("max_reconnects must not be negative, got %d", c.MaxReconnects)
	}
	if c.ReconnectDelay < 0 {
		return Config{}, fmt.Errorf("reconnect_delay must not be negative, got %v", c.ReconnectDelay)
	}

	return c, nil
}

func (c Config) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkMs) * time.Millisecond
}

// RequireAPIKey is for commands that talk to the recognition service.
func (c Config) RequireAPIKey() error {
	if c.SpeechmaticsAPIKey == "" {
		return fmt.Errorf(
			"missing %s_SPEECHMATICS_API_KEY or --speechmatics-api-key=",
			EnvPrefix,
		)
	}
	return nil
}
