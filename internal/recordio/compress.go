package recordio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"fleet/internal/domain/entities"
)

// Compression is the framing applied around a record stream.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// CompressionForName picks the compression from a file or object name's
// extension. Unknown extensions mean an uncompressed stream.
func CompressionForName(name string) Compression {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz", ".gzip":
		return CompressionGzip
	case ".zst", ".zstd":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// ParseContentEncoding maps an HTTP Content-Encoding value to a Compression.
func ParseContentEncoding(encoding string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return CompressionNone, nil
	case "gzip", "x-gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// NewDecompressor wraps r so that reads return the decompressed stream.
// Closing the result does not close r.
func NewDecompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("recordio: unsupported compression %s", c)
	}
}

// NewCompressor wraps w so that writes are compressed. Close flushes the
// compressed frame but does not close w.
func NewCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("recordio: unsupported compression %s", c)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Decode reads a complete, possibly compressed, record stream.
func Decode(r io.Reader, c Compression) ([]entities.VehiclePosition, error) {
	dr, err := NewDecompressor(r, c)
	if err != nil {
		return nil, fmt.Errorf("recordio: open %s stream: %w", c, err)
	}
	defer dr.Close()

	return ReadAll(dr)
}

// Encode writes positions as a record stream with the given compression.
func Encode(w io.Writer, positions []entities.VehiclePosition, c Compression) error {
	cw, err := NewCompressor(w, c)
	if err != nil {
		return err
	}
	if err := WriteAll(cw, positions); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

// ReadFile decodes the record stream in path, decompressing by extension.
func ReadFile(path string) ([]entities.VehiclePosition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	positions, err := Decode(f, CompressionForName(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return positions, nil
}

// WriteFile writes positions to path, compressing by extension.
func WriteFile(path string, positions []entities.VehiclePosition) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	return Encode(f, positions, CompressionForName(path))
}
