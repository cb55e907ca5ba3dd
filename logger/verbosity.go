package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for CLI flag counts (-v, -vv).
const (
	VerbosityDefault = 0 // No flags: configured level
	VerbosityInfo    = 1 // -v: info and above
	VerbosityDebug   = 2 // -vv: debug
)

// VerbosityLevelName maps a -v flag count to a level name understood by Initialize.
// Zero returns fallback so config keeps control when no flag is given.
func VerbosityLevelName(verbosity int, fallback string) string {
	switch {
	case verbosity <= VerbosityDefault:
		return fallback
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel.String()
	default:
		return zapcore.DebugLevel.String()
	}
}
