package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-tasks/internal/platform/env"
)

// Config points at an S3-compatible endpoint. An empty Endpoint means object
// storage is not configured.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv(src env.Source) (Config, error) {
	useSSL, err := src.Bool("TASKS_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  src.String("TASKS_MINIO_ENDPOINT", ""),
		AccessKey: src.String("TASKS_MINIO_ACCESS_KEY", ""),
		SecretKey: src.String("TASKS_MINIO_SECRET_KEY", ""),
		Region:    src.String("TASKS_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    src.String("TASKS_MINIO_BUCKET", "task-archive"),
	}
	if !cfg.Enabled() {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}
