package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig  `mapstructure:"server"`
	Storage   StorageConfig `mapstructure:"storage"`
	Auth      AuthConfig    `mapstructure:"auth"`
	JWTSecret string        `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	LocalPath string   `mapstructure:"local_path"`
	S3        S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

type AuthConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	TokenTTLMin  int    `mapstructure:"token_ttl_minutes"`
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("storage.local_path", "./data/automations")
	viper.SetDefault("storage.s3.enabled", false)
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.prefix", "automations")
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("auth.username", "admin")
	// Development-only default. Override auth.password_hash in app.yaml.
	viper.SetDefault("auth.password_hash", "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")
	viper.SetDefault("auth.token_ttl_minutes", 60)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
