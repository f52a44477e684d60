// Package csvlog appends sample records to a CSV file whose header is
// written exactly once over the file's lifetime.
package csvlog

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/pcslog/internal/errors"
)

const defaultFilePerm = 0o644

// Record is one sample row. Values are positional per Schema.Fields; a
// nil value is written as an empty cell.
type Record struct {
	RunID       int64
	SampleIndex int64
	Time        time.Time
	Values      []*float64
}

// Writer appends records to a CSV sink. The file is opened and closed
// for every record, so nothing is held open between messages.
type Writer struct {
	path   string
	schema Schema
	header []string
	fsync  bool
	mu     sync.Mutex
}

// Option configures a Writer.
type Option func(*Writer)

// WithFsync controls whether each append is synced to stable storage.
func WithFsync(enabled bool) Option {
	return func(w *Writer) {
		w.fsync = enabled
	}
}

// NewWriter returns a writer for the sink at path.
func NewWriter(path string, schema Schema, opts ...Option) (*Writer, error) {
	errFactory := errors.New()

	if path == "" {
		return nil, errFactory.New(ErrInvalidPath)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	w := &Writer{
		path:   path,
		schema: schema,
		header: schema.Header(),
		fsync:  true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the sink path.
func (w *Writer) Path() string {
	return w.path
}

// Header returns the header row written to new sinks.
func (w *Writer) Header() []string {
	return append([]string(nil), w.header...)
}

// Append writes one record. The header is written first when the sink is
// missing or empty, which holds across process restarts.
func (w *Writer) Append(rec Record) (err error) {
	errFactory := errors.New()

	if len(rec.Values) != len(w.schema.Fields) {
		return errFactory.WithData(ErrRecordShape, struct {
			Want int
			Got  int
		}{
			Want: len(w.schema.Fields),
			Got:  len(rec.Values),
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrSinkOpen, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errFactory.Wrap(ErrSinkWrite, cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return errFactory.Wrap(ErrSinkOpen, err)
	}

	var buf bytes.Buffer
	if info.Size() > 0 {
		torn, err := endsMidLine(f, info.Size())
		if err != nil {
			return errFactory.Wrap(ErrSinkRead, err)
		}
		if torn {
			buf.WriteByte('\n')
		}
	}

	cw := csv.NewWriter(&buf)
	if info.Size() == 0 {
		if err := cw.Write(w.header); err != nil {
			return errFactory.Wrap(ErrSinkWrite, err)
		}
	}
	if err := cw.Write(w.row(rec)); err != nil {
		return errFactory.Wrap(ErrSinkWrite, err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errFactory.Wrap(ErrSinkWrite, err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return errFactory.Wrap(ErrSinkWrite, err)
	}
	if w.fsync {
		if err := f.Sync(); err != nil {
			return errFactory.Wrap(ErrSinkWrite, err)
		}
	}

	return nil
}

// Verify checks that an existing, non-empty sink starts with this
// writer's header. A missing or empty sink is fine.
func (w *Writer) Verify() error {
	errFactory := errors.New()

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errFactory.Wrap(ErrSinkRead, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	got, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return errFactory.Wrap(ErrSinkRead, err)
	}

	for i := range got {
		got[i] = strings.TrimSpace(got[i])
	}
	if !slices.Equal(got, w.header) {
		return errFactory.WithData(ErrSchemaMismatch, struct {
			Path string
			Want string
			Got  string
		}{
			Path: w.path,
			Want: strings.Join(w.header, ","),
			Got:  strings.Join(got, ","),
		})
	}

	return nil
}

func (w *Writer) row(rec Record) []string {
	row := make([]string, 0, len(w.header))
	row = append(row,
		strconv.FormatInt(rec.RunID, 10),
		strconv.FormatInt(rec.SampleIndex, 10))
	if w.schema.Timestamp {
		row = append(row, rec.Time.Format(time.RFC3339))
	}
	for _, v := range rec.Values {
		if v == nil {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(*v, 'f', -1, 64))
	}
	return row
}

// endsMidLine reports whether the last byte of a non-empty file is not a
// newline, which happens when a previous process died mid-write.
func endsMidLine(f *os.File, size int64) (bool, error) {
	var last [1]byte
	if _, err := f.ReadAt(last[:], size-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}
