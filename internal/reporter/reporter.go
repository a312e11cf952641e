/*
Package reporter defines a simple interface for structs to produce a
printable status report about themselves, typically statistically
oriented. It is deliberately the same shape as a status-line collaborator:
periodically polled, never pushed.

The string returned by Report() should be one or more lines separated by
newlines suitable for printing to a log file. The caller is expected to
prefix each line with its own context (timestamp, reporter name). Empty
lines are ignored and a trailing newline should not be present.
*/
package reporter

// Reporter is the sole package interface.
type Reporter interface {
	// Name returns the name used as a log-line prefix for this reporter.
	Name() string

	// Report returns one or more printable lines separated by newlines. If
	// resetCounters is true, any internal counters feeding the report are
	// zeroed after the report is produced.
	Report(resetCounters bool) string
}
