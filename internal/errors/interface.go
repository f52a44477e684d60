package errors

// ErrorCode identifies a failure class. Each package declares its own codes
// next to the code that returns them (csvlog, run, ingest, telemetry).
type ErrorCode string

// Error is a coded error. Data carries structured context such as the
// offending config field or the ledger phase that failed.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors; errors.New returns the default one.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
