package logger

// Logger defines the interface for logging operations. Engine components
// take a Logger instead of reaching for the package-level functions.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	With(key, value string) Logger
}
