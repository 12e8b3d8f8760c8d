// Package artifacts persists the outputs of plan actions.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("artifact not found")

// Store puts and gets artifacts by slash-separated key.
type Store interface {
	// Put stores data under key and returns a URI for it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config selects and configures an artifact backend.
type Config struct {
	Backend   string `yaml:"backend" json:"backend"`
	Dir       string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty" json:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty" json:"use_ssl,omitempty"`
}

// Open creates the store named by cfg.Backend ("fs" or "minio").
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFS(cfg.Dir)
	case "minio", "s3":
		return OpenMinIO(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	if key == "" || key == "." {
		return "", errors.New("artifact key cannot be empty")
	}
	return key, nil
}

// FS stores artifacts as files under a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed. It defaults to "langswarm/artifacts".
func NewFS(root string) (*FS, error) {
	if root == "" {
		root = filepath.Join("langswarm", "artifacts")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("ensure artifacts dir: %w", err)
	}
	return &FS{root: abs}, nil
}

func (s *FS) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure artifact dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}
