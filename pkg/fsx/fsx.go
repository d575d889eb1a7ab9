// Package fsx abstracts blob storage behind a small filesystem-like
// interface with local-disk and S3 implementations.
package fsx

import (
	"context"
	"net/http"

	"github.com/Abraxas-365/recall/pkg/errx"
)

// FileSystem is the storage contract. Paths are forward-slash relative keys;
// implementations must never allow escaping their configured root.
type FileSystem interface {
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("FSX")

var (
	CodeFileNotFound = ErrRegistry.Register("FILE_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "File not found")
	CodeInvalidPath  = ErrRegistry.Register("INVALID_PATH", errx.TypeValidation, http.StatusBadRequest, "Invalid file path")
	CodeIOFailure    = ErrRegistry.Register("IO_FAILURE", errx.TypeInternal, http.StatusInternalServerError, "File operation failed")
)

func ErrFileNotFound() *errx.Error {
	return ErrRegistry.New(CodeFileNotFound)
}

func ErrInvalidPath() *errx.Error {
	return ErrRegistry.New(CodeInvalidPath)
}

func ErrIOFailure() *errx.Error {
	return ErrRegistry.New(CodeIOFailure)
}
