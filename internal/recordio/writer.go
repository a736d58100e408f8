package recordio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"fleet/internal/domain/entities"
)

// Writer encodes records in the format Reader decodes. Absent optional
// fields are written as zero because the stream has no null marker.
type Writer struct {
	w   *bufio.Writer
	buf []byte
}

// NewWriter returns a buffered Writer. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 64*1024), buf: make([]byte, 0, 64)}
}

// Write encodes one position.
func (w *Writer) Write(p entities.VehiclePosition) error {
	if len(p.Registration) > MaxRegistrationLength {
		return fmt.Errorf("recordio: registration of %d bytes exceeds %d", len(p.Registration), MaxRegistrationLength)
	}
	if !finite(p.Latitude) || !finite(p.Longitude) {
		return fmt.Errorf("recordio: non-finite coordinate (%v, %v)", p.Latitude, p.Longitude)
	}

	var id int32
	if p.VehicleID != nil {
		id = *p.VehicleID
	}
	var recordedAt uint64
	if p.RecordedTimeUTC != nil {
		recordedAt = *p.RecordedTimeUTC
	}

	b := w.buf[:0]
	b = binary.LittleEndian.AppendUint32(b, uint32(id))
	b = binary.AppendUvarint(b, uint64(len(p.Registration)))
	b = append(b, p.Registration...)
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Latitude))
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Longitude))
	b = binary.LittleEndian.AppendUint64(b, recordedAt)
	w.buf = b

	_, err := w.w.Write(b)
	return err
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// WriteAll encodes positions to w and flushes.
func WriteAll(w io.Writer, positions []entities.VehiclePosition) error {
	rw := NewWriter(w)
	for _, p := range positions {
		if err := rw.Write(p); err != nil {
			return err
		}
	}
	return rw.Flush()
}
