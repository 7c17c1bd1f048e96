package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxFileSize bounds secret files
const DefaultMaxFileSize = 64 * 1024

// FileProviderConfig restricts which files can be read
type FileProviderConfig struct {
	// Allowlist holds absolute directory or file prefixes. Empty allows any
	// absolute path.
	Allowlist      []string
	FollowSymlinks bool
	MaxSize        int64
}

// FileProvider reads secrets from files
type FileProvider struct {
	cfg FileProviderConfig
}

// NewFileProvider creates a file provider
func NewFileProvider(cfg FileProviderConfig) *FileProvider {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxFileSize
	}
	return &FileProvider{cfg: cfg}
}

// Scheme returns "file"
func (f *FileProvider) Scheme() string {
	return "file"
}

// Resolve reads path and trims trailing whitespace
func (f *FileProvider) Resolve(_ context.Context, path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", errors.New("path must be absolute")
	}
	clean := filepath.Clean(path)

	info, err := os.Lstat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file", ErrNotFound)
		}
		return "", fmt.Errorf("stat failed: %w", err)
	}

	resolved := clean
	if info.Mode()&os.ModeSymlink != 0 {
		if !f.cfg.FollowSymlinks {
			return "", errors.New("symlinks not allowed")
		}
		resolved, err = filepath.EvalSymlinks(clean)
		if err != nil {
			return "", fmt.Errorf("symlink resolution failed: %w", err)
		}
	}

	if !f.allowed(clean) || !f.allowed(resolved) {
		return "", errors.New("path not in allowlist")
	}

	file, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("open failed: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, f.cfg.MaxSize+1))
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}
	if int64(len(data)) > f.cfg.MaxSize {
		return "", fmt.Errorf("file too large (max %d bytes)", f.cfg.MaxSize)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

func (f *FileProvider) allowed(path string) bool {
	if len(f.cfg.Allowlist) == 0 {
		return true
	}
	for _, prefix := range f.cfg.Allowlist {
		prefix = filepath.Clean(prefix)
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
