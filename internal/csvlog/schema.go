package csvlog

import (
	"strings"

	"codeberg.org/mutker/pcslog/internal/errors"
)

const (
	ColumnRunID       = "run_id"
	ColumnSampleIndex = "sample_index"
	ColumnTimestamp   = "timestamp"
)

// Schema is the fixed, ordered column layout of a sink.
type Schema struct {
	// Fields are the device field identifiers persisted after the run
	// columns, in order.
	Fields []string
	// Timestamp adds a timestamp column after sample_index.
	Timestamp bool
}

// Header returns the header row for the schema.
func (s Schema) Header() []string {
	header := make([]string, 0, len(s.Fields)+3)
	header = append(header, ColumnRunID, ColumnSampleIndex)
	if s.Timestamp {
		header = append(header, ColumnTimestamp)
	}
	return append(header, s.Fields...)
}

// Validate checks that field names are non-empty, unique and do not
// shadow the run columns.
func (s Schema) Validate() error {
	errFactory := errors.New()

	if len(s.Fields) == 0 {
		return errFactory.WithMessage(ErrInvalidSchema, "no fields configured")
	}

	seen := map[string]bool{
		ColumnRunID:       true,
		ColumnSampleIndex: true,
		ColumnTimestamp:   s.Timestamp,
	}
	for _, f := range s.Fields {
		if strings.TrimSpace(f) == "" {
			return errFactory.WithMessage(ErrInvalidSchema, "empty field name")
		}
		if seen[f] {
			return errFactory.WithData(ErrInvalidSchema, "duplicate column "+f)
		}
		seen[f] = true
	}

	return nil
}
