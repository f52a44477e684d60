package csvlog

import "codeberg.org/mutker/pcslog/internal/errors"

const (
	ErrInvalidPath    = errors.ErrorCode("csvlog_invalid_path")
	ErrInvalidSchema  = errors.ErrorCode("csvlog_invalid_schema")
	ErrRecordShape    = errors.ErrorCode("csvlog_record_shape_mismatch")
	ErrSchemaMismatch = errors.ErrorCode("csvlog_header_mismatch")
	ErrSinkOpen       = errors.ErrorCode("csvlog_sink_open_failed")
	ErrSinkRead       = errors.ErrorCode("csvlog_sink_read_failed")
	ErrSinkWrite      = errors.ErrorCode("csvlog_sink_write_failed")
)
