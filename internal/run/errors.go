package run

import "codeberg.org/mutker/pcslog/internal/errors"

const (
	ErrInvalidDBPath = errors.ErrorCode("run_ledger_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("run_ledger_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("run_ledger_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("run_ledger_schema_migration_failed")
	ErrSchemaTooNew           = errors.ErrorCode("run_ledger_schema_too_new")

	// Storage Errors
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageAccess = errors.ErrorCode("run_ledger_storage_access_failed")
	ErrStorageClose  = errors.ErrShutdownFailed
)
