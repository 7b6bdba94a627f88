package scan

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// FinalBreakpoint is the breakpoint index of the closing flush.
const FinalBreakpoint = -1

// Header is written once when the output is opened.
type Header struct {
	RunID     string
	Comments  []string
	Columns   []Column // positioners first, then counters; Values unset
	Metadata  []MetadataValue
	StartedAt time.Time
}

// Block is the data accumulated since the previous flush.
type Block struct {
	Breakpoint int // FinalBreakpoint for the closing flush
	Points     []PointRecord
	Metadata   []MetadataValue
}

// Sink persists scan output. WriteData receives only points not yet
// written; Close is called exactly once, after the final block. Any
// WriteData error other than ErrNotDurable means the block was not written
// and its points are offered again with the next block.
type Sink interface {
	WriteHeader(h Header) error
	WriteData(b Block) error
	Close() error
	Path() string
}

// SinkFactory opens a sink. An empty filename selects the factory default.
type SinkFactory func(filename string) (Sink, error)

// MemorySink keeps every block in memory. It backs tests and dry runs.
type MemorySink struct {
	name string

	mu     sync.Mutex
	header Header
	blocks []Block
	closed bool
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySinkFactory returns a factory whose sinks are appended to *out
// so callers can inspect them after a run.
func NewMemorySinkFactory(out *[]*MemorySink) SinkFactory {
	var mu sync.Mutex
	return func(filename string) (Sink, error) {
		if filename == "" {
			filename = "memory"
		}
		s := &MemorySink{name: filename}
		if out != nil {
			mu.Lock()
			*out = append(*out, s)
			mu.Unlock()
		}
		return s, nil
	}
}

// WriteHeader records the header.
func (m *MemorySink) WriteHeader(h Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header = h
	return nil
}

// WriteData records one block.
func (m *MemorySink) WriteData(b Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Points = slices.Clone(b.Points)
	m.blocks = append(m.blocks, b)
	return nil
}

// Close marks the sink closed.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Path returns the sink name.
func (m *MemorySink) Path() string { return m.name }

// Header returns the recorded header.
func (m *MemorySink) Header() Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// Blocks returns every recorded block in write order.
func (m *MemorySink) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.blocks)
}

// Points returns every recorded point in write order.
func (m *MemorySink) Points() []PointRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PointRecord
	for _, b := range m.blocks {
		out = append(out, b.Points...)
	}
	return out
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ColumnName converts a handle label into a column identifier. The label is
// lower-cased, letters and digits (any script) are kept, every run of other
// characters, underscores included, becomes one underscore, and a leading
// digit gets an underscore prefix. A label with nothing left becomes "col".
func ColumnName(label string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			under = false
		default:
			if !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "col"
	}
	if first, _ := utf8.DecodeRuneInString(name); unicode.IsDigit(first) {
		name = "_" + name
	}
	return name
}

// columns builds the scan data columns of a plan. Duplicate names get a
// numeric suffix starting at _2.
func columns(p *Plan) []Column {
	seen := make(map[string]bool)
	unique := func(label string) string {
		base := ColumnName(label)
		name := base
		for n := 2; seen[name]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		seen[name] = true
		return name
	}

	out := make([]Column, 0, len(p.positioners)+len(p.counters))
	for _, pos := range p.positioners {
		out = append(out, Column{
			Name:   unique(pos.Label),
			Label:  pos.Label,
			Units:  pos.Units,
			Notes:  "positioner",
			Values: slices.Clone(pos.Array),
		})
	}
	for _, c := range p.counters {
		units := c.Units
		if units == "" {
			units = "counts"
		}
		out = append(out, Column{
			Name:   unique(c.Label),
			Label:  c.Label,
			Units:  units,
			Notes:  "counter",
			Values: []float64{},
		})
	}
	return out
}
