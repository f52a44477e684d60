package telemetry

import "codeberg.org/mutker/pcslog/internal/errors"

const (
	// Decode Errors
	ErrDecode       = errors.ErrorCode("telemetry_decode_failed")
	ErrNotAnObject  = errors.ErrorCode("telemetry_payload_not_object")
	ErrEmptyPayload = errors.ErrorCode("telemetry_empty_payload")
)
