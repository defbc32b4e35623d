package storage

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Upload name prefixes used for the two images of a try-on request.
const (
	PersonPrefix  = "person_image"
	GarmentPrefix = "garment_image"
)

// FileStore persists temporary uploads and result images on local disk.
type FileStore struct {
	tempDir   string
	resultDir string
	logger    *zap.Logger
}

// NewFileStore resolves both directories to absolute paths and creates them if needed.
func NewFileStore(tempDir, resultDir string, logger *zap.Logger) (*FileStore, error) {
	absTemp, err := filepath.Abs(tempDir)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir: %w", err)
	}
	absResult, err := filepath.Abs(resultDir)
	if err != nil {
		return nil, fmt.Errorf("resolve result dir: %w", err)
	}
	for _, dir := range []string{absTemp, absResult} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &FileStore{tempDir: absTemp, resultDir: absResult, logger: logger.Named("file_store")}, nil
}

// TempDir returns the absolute temporary upload directory.
func (s *FileStore) TempDir() string { return s.tempDir }

// ResultDir returns the absolute result directory.
func (s *FileStore) ResultDir() string { return s.resultDir }

// SaveUpload copies r into a new uniquely named file under the temp directory
// and returns its absolute path.
func (s *FileStore) SaveUpload(r io.Reader, prefix string) (string, error) {
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}

	f, err := os.CreateTemp(s.tempDir, prefix+"_*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	s.logger.Debug("saved uploaded file", zap.String("path", path))
	return path, nil
}

// SaveResult writes data to a new uuid-named file under the result directory
// and returns its absolute path.
func (s *FileStore) SaveResult(data []byte) (string, error) {
	if err := os.MkdirAll(s.resultDir, 0o755); err != nil {
		return "", fmt.Errorf("create result dir: %w", err)
	}

	path := filepath.Join(s.resultDir, uuid.NewString()+extensionFor(data))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create result file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write result file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close result file: %w", err)
	}

	s.logger.Debug("saved result file", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}

// Remove deletes the given files, ignoring ones that are already gone.
func (s *FileStore) Remove(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove file", zap.String("path", path), zap.Error(err))
		}
	}
}

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
