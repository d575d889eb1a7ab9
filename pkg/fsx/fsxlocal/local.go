package fsxlocal

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Abraxas-365/recall/pkg/fsx"
)

// LocalFileSystem stores files under a base directory on local disk.
type LocalFileSystem struct {
	basePath string
}

func NewLocalFileSystem(basePath string) (*LocalFileSystem, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fsx.ErrInvalidPath().WithCause(err).WithDetail("path", basePath)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fsx.ErrIOFailure().WithCause(err).WithDetail("path", abs)
	}
	return &LocalFileSystem{basePath: abs}, nil
}

func (l *LocalFileSystem) GetBasePath() string {
	return l.basePath
}

// resolve maps a relative key onto the base directory, rejecting traversal.
func (l *LocalFileSystem) resolve(path string) (string, error) {
	full := filepath.Join(l.basePath, filepath.FromSlash(path))
	if !strings.HasPrefix(full, l.basePath+string(os.PathSeparator)) && full != l.basePath {
		return "", fsx.ErrInvalidPath().WithDetail("path", path)
	}
	return full, nil
}

func (l *LocalFileSystem) WriteFile(ctx context.Context, path string, data []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fsx.ErrIOFailure().WithCause(err).WithDetail("path", path)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fsx.ErrIOFailure().WithCause(err).WithDetail("path", path)
	}
	return nil
}

func (l *LocalFileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fsx.ErrFileNotFound().WithDetail("path", path)
		}
		return nil, fsx.ErrIOFailure().WithCause(err).WithDetail("path", path)
	}
	return data, nil
}

func (l *LocalFileSystem) Exists(ctx context.Context, path string) (bool, error) {
	full, err := l.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fsx.ErrIOFailure().WithCause(err).WithDetail("path", path)
	}
	return true, nil
}

func (l *LocalFileSystem) Delete(ctx context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return fsx.ErrFileNotFound().WithDetail("path", path)
		}
		return fsx.ErrIOFailure().WithCause(err).WithDetail("path", path)
	}
	return nil
}

func (l *LocalFileSystem) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.basePath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fsx.ErrIOFailure().WithCause(err).WithDetail("prefix", prefix)
	}
	return keys, nil
}
