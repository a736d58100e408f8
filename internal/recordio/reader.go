// Package recordio reads and writes vehicle position record streams.
//
// A stream is a plain concatenation of records with no header:
//
//	int32    vehicle id              little endian
//	uvarint  registration length     7 bits per byte, low group first
//	[]byte   registration            UTF-8
//	float32  latitude                little endian IEEE 754
//	float32  longitude               little endian IEEE 754
//	uint64   recorded time (UTC)     little endian
//
// The string encoding is the one .NET's BinaryWriter uses, so files written
// by the .NET fleet tracker decode unchanged.
package recordio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"fleet/internal/domain/entities"
)

// MaxRegistrationLength bounds the length prefix so a corrupt stream cannot
// trigger a huge allocation. BinaryWriter itself allows strings up to 2 GiB,
// so this is tighter than the .NET format.
const MaxRegistrationLength = 1 << 16

var (
	ErrTruncatedRecord = errors.New("recordio: truncated record")
	// ErrMalformedRecord covers bytes that cannot be a position: a length
	// prefix over MaxRegistrationLength or one that overflows a uvarint, and
	// a NaN or infinite coordinate. The length limit is stricter than .NET's
	// 2 GiB. A prefix longer than the 5 bytes .NET reads is only rejected
	// when its value exceeds the limit.
	ErrMalformedRecord = errors.New("recordio: malformed record")
)

// Reader decodes records from a stream.
type Reader struct {
	r      *bufio.Reader
	offset int64
	count  int
	buf    [8]byte
	// byteErr is the last error seen by countingByteReader.
	byteErr error
}

// NewReader returns a Reader that buffers r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Count returns the number of records decoded so far.
func (r *Reader) Count() int { return r.count }

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 { return r.offset }

// Next decodes the next record. It returns io.EOF when the stream ends
// exactly on a record boundary. Running out of data inside a record yields
// ErrTruncatedRecord; an impossible length prefix yields ErrMalformedRecord.
func (r *Reader) Next() (entities.VehiclePosition, error) {
	if _, err := r.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return entities.VehiclePosition{}, io.EOF
		}
		return entities.VehiclePosition{}, r.fail("vehicle id", err)
	}

	start := r.offset
	var p entities.VehiclePosition

	b, err := r.readFixed(4)
	if err != nil {
		return p, r.failAt(start, "vehicle id", err)
	}
	id := int32(binary.LittleEndian.Uint32(b))

	registration, err := r.readString()
	if err != nil {
		return p, r.failAt(start, "registration", err)
	}

	if b, err = r.readFixed(4); err != nil {
		return p, r.failAt(start, "latitude", err)
	}
	lat := math.Float32frombits(binary.LittleEndian.Uint32(b))

	if b, err = r.readFixed(4); err != nil {
		return p, r.failAt(start, "longitude", err)
	}
	long := math.Float32frombits(binary.LittleEndian.Uint32(b))

	if b, err = r.readFixed(8); err != nil {
		return p, r.failAt(start, "recorded time", err)
	}
	recordedAt := binary.LittleEndian.Uint64(b)

	if !finite(lat) || !finite(long) {
		return p, r.failAt(start, "coordinates",
			fmt.Errorf("%w: non-finite coordinate (%v, %v)", ErrMalformedRecord, lat, long))
	}

	r.count++
	return entities.NewVehiclePosition(id, registration, lat, long, recordedAt), nil
}

func (r *Reader) readFixed(n int) ([]byte, error) {
	b := r.buf[:n]
	read, err := io.ReadFull(r.r, b)
	r.offset += int64(read)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Reader) readString() (string, error) {
	r.byteErr = nil
	n, err := binary.ReadUvarint(countingByteReader{r})
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return "", io.ErrUnexpectedEOF
		case r.byteErr != nil:
			return "", r.byteErr
		default:
			return "", fmt.Errorf("%w: length prefix: %v", ErrMalformedRecord, err)
		}
	}
	if n > MaxRegistrationLength {
		return "", fmt.Errorf("%w: registration length %d exceeds %d", ErrMalformedRecord, n, MaxRegistrationLength)
	}

	b := make([]byte, n)
	read, err := io.ReadFull(r.r, b)
	r.offset += int64(read)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

func (r *Reader) fail(field string, err error) error {
	return r.failAt(r.offset, field, err)
}

func (r *Reader) failAt(start int64, field string, err error) error {
	switch {
	case errors.Is(err, ErrMalformedRecord):
		return fmt.Errorf("record %d at offset %d: %w", r.count, start, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: record %d at offset %d: missing %s", ErrTruncatedRecord, r.count, start, field)
	default:
		return fmt.Errorf("recordio: record %d at offset %d: reading %s: %w", r.count, start, field, err)
	}
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// countingByteReader lets binary.ReadUvarint advance the reader's offset.
type countingByteReader struct{ r *Reader }

func (c countingByteReader) ReadByte() (byte, error) {
	b, err := c.r.r.ReadByte()
	if err != nil {
		c.r.byteErr = err
		return b, err
	}
	c.r.offset++
	return b, nil
}

// ReadAll decodes every record in r. Any decoding error is fatal and no
// partial result is returned.
func ReadAll(r io.Reader) ([]entities.VehiclePosition, error) {
	rr := NewReader(r)
	var positions []entities.VehiclePosition
	for {
		p, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return positions, nil
		}
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
}
