// Package datafile writes scan output as a plain ASCII column file.
//
// Layout:
//
//	# StepScan File /version: 1.0
//	# Scan.run_id: scan-...
//	# Scan.start_time: 2026-03-01T12:00:00Z
//	# Column.1: energy (eV) [positioner]
//	# Column.2: i0 (counts) [counter]
//	# Extra.ring current: 101.2
//	# Comment.1: first test
//	#-------------------
//	# energy i0
//	7100 125000
//	...
//	# Breakpoint: 9
//	...
//	# ScanEnd: 2026-03-01T12:05:00Z points=40
//
// Rows are appended and synced to disk at every breakpoint so a crash
// loses at most the points since the last flush.
package datafile

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-stepscan/internal/scan"
)

// Version is the file format version written in the first header line.
const Version = "1.0"

// ErrClosed is returned when writing to a closed file.
var ErrClosed = errors.New("datafile: file closed")

// maxIncrement bounds the search for a free auto-incremented name.
const maxIncrement = 10000

// File is one open scan output file. It implements scan.Sink.
type File struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	fsync  func() error
	rows   int
	closed bool
}

var _ scan.Sink = (*File)(nil)

// Factory returns a scan.SinkFactory creating files in dir. An empty run
// filename falls back to defaultName. With autoIncrement an existing file
// is never overwritten: the name is incremented until a free one is found.
func Factory(dir, defaultName string, autoIncrement bool) scan.SinkFactory {
	return func(filename string) (scan.Sink, error) {
		if filename == "" {
			filename = defaultName
		}
		if !filepath.IsAbs(filename) {
			filename = filepath.Join(dir, filename)
		}
		return Open(filename, autoIncrement)
	}
}

// Open creates the output file, creating parent directories as needed.
func Open(path string, autoIncrement bool) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	if !autoIncrement {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) //nolint:gosec // operator-chosen output path
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		return newFile(path, f), nil
	}

	for range maxIncrement {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) //nolint:gosec // operator-chosen output path
		if err == nil {
			return newFile(path, f), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		path = NextName(path)
	}
	return nil, fmt.Errorf("no free file name after %d attempts: %s", maxIncrement, path)
}

func newFile(path string, f *os.File) *File {
	return &File{path: path, f: f, w: bufio.NewWriter(f), fsync: f.Sync}
}

// NextName increments the numeric part of a file name, keeping its width:
// scan.001 becomes scan.002, run_09.dat becomes run_10.dat and a name with
// no digits gains a .001 suffix.
func NextName(path string) string {
	dir, base := filepath.Split(path)

	// Numeric extension: scan.001
	if ext := filepath.Ext(base); len(ext) > 1 && isDigits(ext[1:]) {
		stem := strings.TrimSuffix(base, ext)
		return dir + stem + "." + bump(ext[1:])
	}

	// Trailing digits before the extension: run_09.dat
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	i := len(stem)
	for i > 0 && stem[i-1] >= '0' && stem[i-1] <= '9' {
		i--
	}
	if i < len(stem) {
		return dir + stem[:i] + bump(stem[i:]) + ext
	}
	return dir + base + ".001"
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func bump(digits string) string {
	n, _ := strconv.Atoi(digits)
	return fmt.Sprintf("%0*d", len(digits), n+1)
}

// Path returns the file path actually opened.
func (f *File) Path() string { return f.path }

// Rows returns the number of data rows written.
func (f *File) Rows() int { return f.rows }

// WriteHeader writes the header block and the column legend.
func (f *File) WriteHeader(h scan.Header) error {
	if f.closed {
		return ErrClosed
	}
	fmt.Fprintf(f.w, "# StepScan File /version: %s\n", Version)
	fmt.Fprintf(f.w, "# Scan.run_id: %s\n", h.RunID)
	fmt.Fprintf(f.w, "# Scan.start_time: %s\n", h.StartedAt.UTC().Format(time.RFC3339))
	for i, c := range h.Columns {
		fmt.Fprintf(f.w, "# Column.%d: %s (%s) [%s]\n", i+1, c.Name, c.Units, c.Notes)
	}
	writeMetadata(f.w, h.Metadata)
	for i, c := range h.Comments {
		fmt.Fprintf(f.w, "# Comment.%d: %s\n", i+1, oneLine(c))
	}
	f.w.WriteString("#-------------------\n")

	names := make([]string, len(h.Columns))
	for i, c := range h.Columns {
		names[i] = c.Name
	}
	fmt.Fprintf(f.w, "# %s\n", strings.Join(names, " "))
	return f.sync()
}

// WriteData appends the block's rows. Array readings are written as their
// sum; the full arrays belong in a detector-specific file.
func (f *File) WriteData(b scan.Block) error {
	if f.closed {
		return ErrClosed
	}
	for _, p := range b.Points {
		fields := make([]string, 0, len(p.Positions)+len(p.Values))
		for _, v := range p.Positions {
			fields = append(fields, formatValue(v))
		}
		for _, v := range p.Values {
			fields = append(fields, formatValue(scan.Reading{Value: v}.Scalar()))
		}
		f.w.WriteString(strings.Join(fields, " "))
		f.w.WriteByte('\n')
		f.rows++
	}
	if b.Breakpoint == scan.FinalBreakpoint {
		fmt.Fprintf(f.w, "# ScanEnd: %s points=%d\n", time.Now().UTC().Format(time.RFC3339), f.rows)
	} else {
		fmt.Fprintf(f.w, "# Breakpoint: %d\n", b.Breakpoint)
	}
	writeMetadata(f.w, b.Metadata)
	return f.sync()
}

// Close flushes and closes the file. Closing twice is a no-op.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	flushErr := f.w.Flush()
	closeErr := f.f.Close()
	return errors.Join(flushErr, closeErr)
}

// sync flushes the buffer to the file and the file to disk. Once the
// buffer is flushed the rows are in the file, so a failed fsync is reported
// as scan.ErrNotDurable.
func (f *File) sync() error {
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}
	if err := f.fsync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %w", scan.ErrNotDurable, f.path, err)
	}
	return nil
}

func writeMetadata(w *bufio.Writer, md []scan.MetadataValue) {
	for _, m := range md {
		fmt.Fprintf(w, "# Extra.%s: %s\n", oneLine(m.Description), oneLine(m.Value))
	}
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r", " "), "\n", " ")
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}
