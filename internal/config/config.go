package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting of the gateway.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr"`
	LogLevel    string   `yaml:"log_level"`
	MaxUploadMB int64    `yaml:"max_upload_mb"`
	CORSOrigins []string `yaml:"cors_origins"`

	ResultDir string `yaml:"result_folder"`
	TempDir   string `yaml:"temp_folder"`

	Inference InferenceConfig `yaml:"inference"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
}

// InferenceConfig identifies the remote try-on Space.
type InferenceConfig struct {
	SpaceURL  string        `yaml:"space_url"`
	APIPrefix string        `yaml:"api_prefix"`
	APIName   string        `yaml:"api_name"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`
}

// CleanupConfig controls how long temporary uploads and results are retained.
type CleanupConfig struct {
	KeepTempUploads bool          `yaml:"keep_temp_uploads"`
	TempTTL         time.Duration `yaml:"temp_ttl"`
	ResultTTL       time.Duration `yaml:"result_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// DatabaseConfig selects the history store. An empty DSN disables history.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig points at the result lookup cache. An empty address disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig enables bearer authentication when Secret is set.
type AuthConfig struct {
	Secret   string `yaml:"jwt_secret"`
	Audience string `yaml:"jwt_audience"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPAddr:    ":8080",
		LogLevel:    "info",
		MaxUploadMB: 32,
		CORSOrigins: []string{"*"},
		ResultDir:   "results",
		TempDir:     "temp",
		Inference: InferenceConfig{
			SpaceURL:  "https://kwai-kolors-kolors-virtual-try-on.hf.space",
			APIPrefix: "/gradio_api",
			APIName:   "/tryon",
		},
		Cleanup: CleanupConfig{
			TempTTL:       time.Hour,
			ResultTTL:     24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Database: DatabaseConfig{Driver: "postgres"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the gateway cannot start with.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ResultDir) == "":
		return errors.New("result folder must not be empty")
	case strings.TrimSpace(c.TempDir) == "":
		return errors.New("temp folder must not be empty")
	case strings.TrimSpace(c.Inference.SpaceURL) == "":
		return errors.New("inference space url must not be empty")
	case c.MaxUploadMB <= 0:
		return errors.New("max upload size must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getEnv("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.ResultDir = getEnv("RESULT_FOLDER", cfg.ResultDir)
	cfg.TempDir = getEnv("TEMP_FOLDER", cfg.TempDir)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	cfg.Inference.SpaceURL = getEnv("TRYON_SPACE_URL", cfg.Inference.SpaceURL)
	cfg.Inference.APIPrefix = getEnv("TRYON_API_PREFIX", cfg.Inference.APIPrefix)
	cfg.Inference.APIName = getEnv("TRYON_API_NAME", cfg.Inference.APIName)
	cfg.Inference.Token = getEnv("HF_TOKEN", cfg.Inference.Token)

	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("DATABASE_DSN", cfg.Database.DSN)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Auth.Secret = getEnv("JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.Audience = getEnv("JWT_AUDIENCE", cfg.Auth.Audience)

	var err error
	if cfg.MaxUploadMB, err = getEnvInt64("MAX_UPLOAD_MB", cfg.MaxUploadMB); err != nil {
		return err
	}
	var redisDB int64
	if redisDB, err = getEnvInt64("REDIS_DB", int64(cfg.Redis.DB)); err != nil {
		return err
	}
	cfg.Redis.DB = int(redisDB)
	if cfg.Inference.Timeout, err = getEnvDuration("TRYON_TIMEOUT", cfg.Inference.Timeout); err != nil {
		return err
	}
	if cfg.Cleanup.KeepTempUploads, err = getEnvBool("KEEP_TEMP_UPLOADS", cfg.Cleanup.KeepTempUploads); err != nil {
		return err
	}
	if cfg.Cleanup.TempTTL, err = getEnvDuration("TEMP_TTL", cfg.Cleanup.TempTTL); err != nil {
		return err
	}
	if cfg.Cleanup.ResultTTL, err = getEnvDuration("RESULT_TTL", cfg.Cleanup.ResultTTL); err != nil {
		return err
	}
	if cfg.Cleanup.SweepInterval, err = getEnvDuration("SWEEP_INTERVAL", cfg.Cleanup.SweepInterval); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
