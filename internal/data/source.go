// Package data produces message bodies: from a template, padded to a size, or
// read from a file of prepared messages.
package data

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Mode defines how messages are picked from a file.
type Mode string

const (
	// ModeSequential replays messages in file order, wrapping around.
	ModeSequential Mode = "sequential"
	// ModeRandom picks a random message each time.
	ModeRandom Mode = "random"
)

// ParseMode validates a mode name; empty means sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSequential:
		return ModeSequential, nil
	case ModeRandom:
		return ModeRandom, nil
	}
	return "", errors.Errorf("unknown mode %q (use sequential or random)", s)
}

// messageField is the row field holding a bare message, for .txt lines and
// JSON string elements.
const messageField = "message"

// Source is a loaded message file. Every row is rendered to its body once,
// at load time. Safe for concurrent use by many publisher sessions.
type Source struct {
	name   string
	rows   []map[string]any
	bodies [][]byte
	mode   Mode

	counter atomic.Uint64
	mu      sync.Mutex
	rng     *rand.Rand
}

// NewSource creates a source from loaded rows.
func NewSource(name string, rows []map[string]any, mode Mode) (*Source, error) {
	if mode == "" {
		mode = ModeSequential
	}
	bodies := make([][]byte, len(rows))
	for i, row := range rows {
		b, err := Body(row)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: message %d", name, i+1)
		}
		bodies[i] = b
	}
	return &Source{
		name:   name,
		rows:   rows,
		bodies: bodies,
		mode:   mode,
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

func (s *Source) Name() string { return s.name }
func (s *Source) Len() int     { return len(s.rows) }

// Fields returns the field names of the first row, sorted.
func (s *Source) Fields() []string {
	if len(s.rows) == 0 {
		return nil
	}
	fields := make([]string, 0, len(s.rows[0]))
	for k := range s.rows[0] {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func (s *Source) pick() int {
	if s.mode == ModeRandom {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.rng.Intn(len(s.rows))
	}
	return int((s.counter.Add(1) - 1) % uint64(len(s.rows)))
}

// Next returns the next row, for templates that reference its fields.
func (s *Source) Next() map[string]any {
	if len(s.rows) == 0 {
		return nil
	}
	return s.rows[s.pick()]
}

// NextBody returns the next message body as loaded.
func (s *Source) NextBody() []byte {
	if len(s.bodies) == 0 {
		return nil
	}
	return s.bodies[s.pick()]
}

// Body renders a row as a message body: the bare message for rows loaded from
// text lines or JSON strings, the JSON object otherwise.
func Body(row map[string]any) ([]byte, error) {
	if len(row) == 1 {
		if msg, ok := row[messageField].(string); ok {
			return []byte(msg), nil
		}
	}
	return json.Marshal(row)
}

// readers parse a message file by extension.
var readers = map[string]func(io.Reader) ([]map[string]any, error){
	".txt":  readText,
	".csv":  readCSV,
	".json": readJSON,
}

// LoadFile loads a message file (.txt, .json or .csv) and returns a Source.
// Relative paths are resolved against baseDir.
func LoadFile(name, path string, mode Mode, baseDir string) (*Source, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	read, ok := readers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, errors.Errorf("unsupported message file %q (use .txt, .csv or .json)", filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	rows, err := read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("message file %s is empty", path)
	}
	return NewSource(name, rows, mode)
}

// readText reads one message per non-blank line.
func readText(r io.Reader) ([]map[string]any, error) {
	var rows []map[string]any
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, map[string]any{messageField: line})
	}
	return rows, scanner.Err()
}

// readCSV reads a header row followed by one message per row. Short rows get
// empty values for their missing columns.
func readCSV(r io.Reader) ([]map[string]any, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("CSV needs a header row and at least one message row")
	}

	headers := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]any, len(headers))
		for i, h := range headers {
			row[h] = ""
			if i < len(record) {
				row[h] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// readJSON reads an array whose elements are strings or objects.
func readJSON(r io.Reader) ([]map[string]any, error) {
	var elems []json.RawMessage
	if err := json.NewDecoder(r).Decode(&elems); err != nil {
		return nil, errors.Wrap(err, "JSON must be an array of strings or objects")
	}

	rows := make([]map[string]any, 0, len(elems))
	for i, raw := range elems {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			rows = append(rows, map[string]any{messageField: s})
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, errors.Errorf("element %d is neither a string nor an object", i)
		}
		rows = append(rows, obj)
	}
	return rows, nil
}
