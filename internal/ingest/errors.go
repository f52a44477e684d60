package ingest

import "codeberg.org/mutker/pcslog/internal/errors"

const (
	ErrConnectFailed   = errors.ErrorCode("ingest_connect_failed")
	ErrConnectTimeout  = errors.ErrorCode("ingest_connect_timeout")
	ErrSubscribeFailed = errors.ErrorCode("ingest_subscribe_failed")
)
