package config

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// RunMode selects how run ids behave across restarts.
type RunMode string

const (
	// RunModeReset numbers runs from 1 on every start.
	RunModeReset RunMode = "reset"
	// RunModePersist continues numbering from the run ledger.
	RunModePersist RunMode = "persist"
)

// IsValid returns whether the run mode is known
func (m RunMode) IsValid() bool {
	return m == RunModeReset || m == RunModePersist
}

func (m RunMode) String() string {
	return string(m)
}

// FieldError describes a configuration value that failed validation.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}
