package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Codec converts between the persisted source text and the internal
// content/sideband pair.
type Codec interface {
	Decompose(source string) (content string, sideband json.RawMessage, err error)
	Recompose(content string, sideband json.RawMessage) (string, error)
}

// PassthroughCodec keeps the whole source as content and carries an empty
// sideband object.
type PassthroughCodec struct{}

// Decompose implements Codec.
func (PassthroughCodec) Decompose(source string) (string, json.RawMessage, error) {
	return source, json.RawMessage("{}"), nil
}

// Recompose implements Codec.
func (PassthroughCodec) Recompose(content string, _ json.RawMessage) (string, error) {
	return content, nil
}

// Source reads and writes the persisted form of a document.
type Source interface {
	URI() string
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, text string) error
}

// FileSource is a Source backed by a local file.
type FileSource struct {
	Path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// URI implements Source.
func (f *FileSource) URI() string { return f.Path }

// Read implements Source.
func (f *FileSource) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write implements Source.
func (f *FileSource) Write(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteFileAtomic(f.Path, []byte(text), 0644)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
