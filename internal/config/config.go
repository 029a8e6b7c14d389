// Package config loads the server configuration from defaults, an optional
// YAML file, an optional .env file and the process environment, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"logLevel"`

	BuilderImage        string   `yaml:"builderImage"`
	BuildTimeoutSeconds int      `yaml:"buildTimeoutSeconds"`
	BuildCommand        []string `yaml:"buildCommand"`
	ArtifactPattern     string   `yaml:"artifactPattern"`
	WorkspaceRoot       string   `yaml:"workspaceRoot"`
	ArtifactRoot        string   `yaml:"artifactRoot"`
	DefaultRevision     string   `yaml:"defaultRevision"`
	FetchTimeoutSeconds int      `yaml:"fetchTimeoutSeconds"`
	MaxOutputBytes      int      `yaml:"maxOutputBytes"`
	MaxMessageBytes     int      `yaml:"maxMessageBytes"`

	ContainerRuntime string `yaml:"containerRuntime"`
	ContainerNetwork string `yaml:"containerNetwork"`
	ContainerMemory  string `yaml:"containerMemory"`
	ContainerCPUs    string `yaml:"containerCpus"`

	RegistryBackend string `yaml:"registryBackend"`
	RedisAddr       string `yaml:"redisAddr"`
	RedisDB         int    `yaml:"redisDb"`

	NATSURL string `yaml:"natsUrl"`

	S3Endpoint  string `yaml:"s3Endpoint"`
	S3Bucket    string `yaml:"s3Bucket"`
	S3AccessKey string `yaml:"s3AccessKey"`
	S3SecretKey string `yaml:"s3SecretKey"`
	S3UseSSL    bool   `yaml:"s3UseSsl"`

	WebhookTimeoutSeconds int `yaml:"webhookTimeoutSeconds"`
	WebhookMaxRetries     int `yaml:"webhookMaxRetries"`
}

func Default() Config {
	return Config{
		Addr:                  ":8080",
		LogLevel:              "INFO",
		BuilderImage:          "android-builder:latest",
		BuildTimeoutSeconds:   900,
		ArtifactPattern:       "*.apk",
		WorkspaceRoot:         filepath.Join("work", "repos"),
		ArtifactRoot:          filepath.Join("work", "artifacts"),
		DefaultRevision:       "main",
		FetchTimeoutSeconds:   300,
		MaxOutputBytes:        64 * 1024,
		MaxMessageBytes:       4 * 1024,
		ContainerRuntime:      "docker",
		ContainerNetwork:      "bridge",
		RegistryBackend:       "memory",
		RedisAddr:             "localhost:6379",
		WebhookTimeoutSeconds: 10,
		WebhookMaxRetries:     5,
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("API_ADDR", c.Addr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.BuilderImage = getenv("BUILDER_IMAGE", c.BuilderImage)
	c.BuildTimeoutSeconds = getEnvInt("BUILD_TIMEOUT", c.BuildTimeoutSeconds)
	if v := os.Getenv("BUILD_COMMAND"); v != "" {
		c.BuildCommand = strings.Fields(v)
	}
	c.ArtifactPattern = getenv("ARTIFACT_PATTERN", c.ArtifactPattern)
	c.WorkspaceRoot = getenv("WORKSPACE_ROOT", c.WorkspaceRoot)
	c.ArtifactRoot = getenv("ARTIFACT_ROOT", c.ArtifactRoot)
	c.DefaultRevision = getenv("DEFAULT_BRANCH", c.DefaultRevision)
	c.FetchTimeoutSeconds = getEnvInt("FETCH_TIMEOUT", c.FetchTimeoutSeconds)
	c.MaxOutputBytes = getEnvInt("MAX_OUTPUT_BYTES", c.MaxOutputBytes)
	c.MaxMessageBytes = getEnvInt("MAX_MESSAGE_BYTES", c.MaxMessageBytes)
	c.ContainerRuntime = getenv("CONTAINER_RUNTIME", c.ContainerRuntime)
	c.ContainerNetwork = getenv("CONTAINER_NETWORK", c.ContainerNetwork)
	c.ContainerMemory = getenv("CONTAINER_MEMORY", c.ContainerMemory)
	c.ContainerCPUs = getenv("CONTAINER_CPUS", c.ContainerCPUs)
	c.RegistryBackend = getenv("REGISTRY_BACKEND", c.RegistryBackend)
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.NATSURL = getenv("NATS_URL", c.NATSURL)
	c.S3Endpoint = getenv("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = getenv("S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = getenv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getenv("S3_SECRET_KEY", c.S3SecretKey)
	c.S3UseSSL = getEnvBool("S3_USE_SSL", c.S3UseSSL)
	c.WebhookTimeoutSeconds = getEnvInt("WEBHOOK_TIMEOUT_SEC", c.WebhookTimeoutSeconds)
	c.WebhookMaxRetries = getEnvInt("WEBHOOK_MAX_RETRIES", c.WebhookMaxRetries)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BuilderImage) == "" {
		errs = append(errs, errors.New("builderImage must not be empty"))
	}
	if c.BuildTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("buildTimeoutSeconds must be > 0"))
	}
	if c.WorkspaceRoot == "" || c.ArtifactRoot == "" {
		errs = append(errs, errors.New("workspaceRoot and artifactRoot must be set"))
	}
	if c.ArtifactPattern == "" {
		errs = append(errs, errors.New("artifactPattern must not be empty"))
	} else if _, err := filepath.Match(c.ArtifactPattern, ""); err != nil {
		errs = append(errs, fmt.Errorf("artifactPattern: %w", err))
	}
	switch c.RegistryBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown registryBackend %q", c.RegistryBackend))
	}
	if c.S3Bucket != "" && c.S3Endpoint == "" {
		errs = append(errs, errors.New("s3Endpoint is required when s3Bucket is set"))
	}
	return errors.Join(errs...)
}

func (c Config) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSeconds) * time.Second
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// ArtifactExt is the extension given to stored artifacts, taken from the
// artifact pattern.
func (c Config) ArtifactExt() string {
	ext := filepath.Ext(c.ArtifactPattern)
	if strings.ContainsAny(ext, "*?[") {
		return ""
	}
	return ext
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return out
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.ParseBool(v); err == nil {
			return out
		}
	}
	return def
}
