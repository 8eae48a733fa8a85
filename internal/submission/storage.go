package submission

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Storage defines the interface for attachment storage
type Storage interface {
	// Save writes a file under dir and returns its storage path
	Save(dir, filename string, data []byte) (string, error)

	// Get retrieves a file by storage path
	Get(path string) ([]byte, error)

	// DeleteDir removes dir and everything saved under it
	DeleteDir(dir string) error
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save saves a file to local storage
func (l *LocalStorage) Save(dir, filename string, data []byte) (string, error) {
	rel := filepath.Join(sanitizeFilename(dir), sanitizeFilename(filename))
	full, err := l.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// DeleteDir removes a submission's directory
func (l *LocalStorage) DeleteDir(dir string) error {
	full, err := l.resolve(sanitizeFilename(dir))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("deleting directory: %w", err)
	}
	return nil
}

// resolve keeps paths inside the base directory
func (l *LocalStorage) resolve(path string) (string, error) {
	full := filepath.Join(l.basePath, filepath.FromSlash(path))
	rel, err := filepath.Rel(l.basePath, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid storage path %q", path)
	}
	return full, nil
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and
// truncating long phone-generated names
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(unsafeChars.ReplaceAllString(filepath.Ext(filename), ""))
	if ext != "" {
		ext = "." + ext
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(spaces.ReplaceAllString(base, " "))

	const maxLen = 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "attachment"
	}
	return base + ext
}
