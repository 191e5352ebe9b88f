package monitor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// tailWindow bounds how much of the log Tail reads from the end of the file,
// and is the chunk size LastAddress reads backwards with.
const tailWindow = 256 << 10

// SampleLog is the append-only sample file, one line per cycle. Each line is
// written with a single write call so an interrupted process leaves at most
// the lines of completed cycles.
type SampleLog struct {
	path     string
	maxBytes int64
	now      func() time.Time
}

// NewSampleLog opens (creating its directory if needed) the log at path.
// When maxBytes is positive the file is rotated into a zstd-compressed
// segment once it grows past maxBytes.
func NewSampleLog(path string, maxBytes int64) (*SampleLog, error) {
	if path == "" {
		return nil, errors.New("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &SampleLog{path: path, maxBytes: maxBytes, now: time.Now}, nil
}

// Path returns the active log file path.
func (l *SampleLog) Path() string { return l.path }

// Append writes one line for s. A failed rotation does not prevent the
// append; both errors are returned.
func (l *SampleLog) Append(s Sample) error {
	var rotateErr error
	if l.maxBytes > 0 {
		if err := l.rotateIfNeeded(); err != nil {
			rotateErr = fmt.Errorf("rotate sample log: %w", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Join(rotateErr, fmt.Errorf("open sample log: %w", err))
	}
	_, writeErr := f.WriteString(FormatLine(s) + "\n")
	closeErr := f.Close()
	if writeErr != nil {
		return errors.Join(rotateErr, fmt.Errorf("append sample: %w", writeErr))
	}
	if closeErr != nil {
		return errors.Join(rotateErr, fmt.Errorf("close sample log: %w", closeErr))
	}
	return rotateErr
}

// Tail returns up to n of the most recent well-formed samples, oldest first.
// Malformed lines are skipped.
func (l *SampleLog) Tail(n int) ([]Sample, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}

	var samples []Sample
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		s, err := ParseLine(scanner.Text())
		if err != nil {
			continue
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	return samples, nil
}

// LastAddress returns the most recent concrete address in the active log.
// The file is read backwards in tailWindow chunks until one is found, so a
// long run of Unavailable samples does not hide an older address.
func (l *SampleLog) LastAddress() (string, bool, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, err
	}

	// carry holds the partial line cut off at the start of the previous chunk.
	var carry []byte
	for end := info.Size(); end > 0; {
		start := max(end-tailWindow, 0)
		buf := make([]byte, end-start, end-start+int64(len(carry)))
		if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return "", false, err
		}
		buf = append(buf, carry...)

		lines := bytes.Split(buf, []byte{'\n'})
		first := 0
		carry = nil
		if start > 0 {
			carry = bytes.Clone(lines[0])
			first = 1
		}
		for i := len(lines) - 1; i >= first; i-- {
			s, err := ParseLine(string(lines[i]))
			if err == nil && s.HasAddress() {
				return s.Address, true, nil
			}
		}
		end = start
	}
	return "", false, nil
}

func (l *SampleLog) rotateIfNeeded() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Size() < l.maxBytes {
		return nil
	}

	segment := fmt.Sprintf("%s.%s", l.path, l.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(l.path, segment); err != nil {
		return err
	}
	if err := compressFile(segment, segment+".zst"); err != nil {
		return err
	}
	return os.Remove(segment)
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
