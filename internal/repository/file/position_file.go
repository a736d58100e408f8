// Package file serves positions from a record stream on local disk.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"fleet/internal/domain/entities"
	"fleet/internal/recordio"
)

// Source reads and writes one record file. The compression is chosen by the
// file extension.
type Source struct {
	path string
}

func New(path string) *Source {
	return &Source{path: path}
}

func (s *Source) Path() string { return s.path }

func (s *Source) Load(ctx context.Context) ([]entities.VehiclePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return recordio.ReadFile(s.path)
}

// Save writes to a temporary file beside the target and renames it into
// place, so readers never observe a partial file.
func (s *Source) Save(ctx context.Context, positions []entities.VehiclePosition) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The random part goes in front so the temp name keeps the extension
	// that selects the compression.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".*-"+filepath.Base(s.path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := recordio.WriteFile(tmpPath, positions); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return os.Rename(tmpPath, s.path)
}

func (s *Source) Describe() string { return "file:" + s.path }

func (s *Source) Close() error { return nil }
