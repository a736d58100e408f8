package services

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
)

type ReportFormat string

const (
	ReportText ReportFormat = "text"
	ReportJSON ReportFormat = "json"
)

func ParseReportFormat(s string) (ReportFormat, error) {
	switch ReportFormat(s) {
	case "", ReportText:
		return ReportText, nil
	case ReportJSON:
		return ReportJSON, nil
	default:
		return "", fmt.Errorf("unknown report format %q: must be text or json", s)
	}
}

// ReportService writes query results for people or for other programs.
// Text output keeps the wording fleet operators already grep for:
//
//	Nearest vehicle: 1, Distance: 1.4142135623730951
//
// JSON output is one NearestResult object per line.
type ReportService struct {
	mu     sync.Mutex
	w      io.Writer
	format ReportFormat
	enc    *json.Encoder
}

func NewReportService(w io.Writer, format ReportFormat) *ReportService {
	return &ReportService{w: w, format: format, enc: json.NewEncoder(w)}
}

// Report writes one result. It is safe to call from several goroutines;
// lines are never interleaved.
func (s *ReportService) Report(r NearestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == ReportJSON {
		return s.enc.Encode(r)
	}
	_, err := io.WriteString(s.w, FormatResult(r)+"\n")
	return err
}

// ReportAll writes results in order and stops at the first write error.
func (s *ReportService) ReportAll(results []NearestResult) error {
	for _, r := range results {
		if err := s.Report(r); err != nil {
			return err
		}
	}
	return nil
}

// FormatResult renders r as a single text line. Distances use the shortest
// decimal form that reads back to the same float64.
func FormatResult(r NearestResult) string {
	if !r.Found() {
		return fmt.Sprintf("No vehicles indexed near %s", r.Target)
	}

	id := r.Vehicle.IDString()
	if id == "" {
		id = "unknown"
	}
	line := "Nearest vehicle: " + id + ", Distance: " + strconv.FormatFloat(r.Distance, 'g', -1, 64)
	if r.Diverged {
		line += " (linear scan: " + r.Exact.IDString() + ", Distance: " +
			strconv.FormatFloat(r.ExactDistance, 'g', -1, 64) + ")"
	}
	return line
}
