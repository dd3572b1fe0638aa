package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// BuilderConfig captures runtime settings for the builder service.
type BuilderConfig struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	DatabaseURL  string   `mapstructure:"database_url"`
	RedisURL     string   `mapstructure:"redis_url"`
	CacheDir     string   `mapstructure:"cache_dir"`
	StoreDir     string   `mapstructure:"store_dir"`
	PythonBin    string   `mapstructure:"python_bin"`
	DefaultBase  string   `mapstructure:"default_base_image"`
	APIKeys      []string `mapstructure:"api_keys"`
	WebhookURL   string   `mapstructure:"webhook_url"`
	PushOnCommit bool     `mapstructure:"push_on_commit"`
}

// WorkerConfig captures runtime settings for the queue worker.
type WorkerConfig struct {
	WorkerID    string `mapstructure:"worker_id"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	CacheDir    string `mapstructure:"cache_dir"`
	StoreDir    string `mapstructure:"store_dir"`
	PythonBin   string `mapstructure:"python_bin"`
}

// LoadBuilder loads builder configuration from defaults, files, and env vars.
func LoadBuilder() (BuilderConfig, error) {
	v := newViper("FORGE")

	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("cache_dir", "./data/layers")
	v.SetDefault("store_dir", "./data/images")
	v.SetDefault("python_bin", "python3")
	v.SetDefault("default_base_image", "python:3.11-slim")

	if err := readIn(v); err != nil {
		return BuilderConfig{}, err
	}

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadWorker loads queue-worker configuration.
func LoadWorker() (WorkerConfig, error) {
	v := newViper("FORGE_WORKER")

	v.SetDefault("worker_id", "worker-1")
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("cache_dir", "./data/layers")
	v.SetDefault("store_dir", "./data/images")
	v.SetDefault("python_bin", "python3")

	if err := readIn(v); err != nil {
		return WorkerConfig{}, err
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func newViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v
}

func readIn(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config: %w", err)
		}
	}
	return nil
}
