package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unavailable is recorded when the external address cannot be resolved.
const Unavailable = "Unavailable"

// Sample is one monitor cycle's observation. Samples are never mutated
// once written.
type Sample struct {
	Time       time.Time `json:"time" db:"sampled_at"`
	CPUPercent float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb" db:"memory_mb"`
	Address    string    `json:"address" db:"address"`
}

// HasAddress reports whether the sample carries a concrete address.
func (s Sample) HasAddress() bool {
	return s.Address != "" && s.Address != Unavailable
}

// FormatLine renders the sample as one sample-log line with fields in fixed
// order: timestamp, CPU %, available memory MB and address.
func FormatLine(s Sample) string {
	address := s.Address
	if address == "" {
		address = Unavailable
	}
	return fmt.Sprintf("%s | CPU: %.2f%% | RAM: %.2f MB | IP: %s",
		s.Time.UTC().Format(time.RFC3339), s.CPUPercent, s.MemoryMB, address)
}

// ParseLine is the inverse of FormatLine.
func ParseLine(line string) (Sample, error) {
	fields := strings.Split(strings.TrimSpace(line), " | ")
	if len(fields) != 4 {
		return Sample{}, fmt.Errorf("malformed sample line %q", line)
	}

	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return Sample{}, fmt.Errorf("parse timestamp: %w", err)
	}

	cpuText, ok := cutAffixes(fields[1], "CPU: ", "%")
	if !ok {
		return Sample{}, fmt.Errorf("malformed cpu field %q", fields[1])
	}
	cpuPct, err := strconv.ParseFloat(cpuText, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parse cpu: %w", err)
	}

	memText, ok := cutAffixes(fields[2], "RAM: ", " MB")
	if !ok {
		return Sample{}, fmt.Errorf("malformed ram field %q", fields[2])
	}
	memMB, err := strconv.ParseFloat(memText, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parse ram: %w", err)
	}

	address, ok := strings.CutPrefix(fields[3], "IP: ")
	if !ok || address == "" {
		return Sample{}, fmt.Errorf("malformed address field %q", fields[3])
	}

	return Sample{Time: ts, CPUPercent: cpuPct, MemoryMB: memMB, Address: address}, nil
}

func cutAffixes(s, prefix, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, suffix)
}
