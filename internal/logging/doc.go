// Package logging constructs the daemon's slog loggers and provides the
// attribute helpers the rest of the codebase logs with.
//
// Two output formats are supported: a colorized console format for
// interactive use and JSON for log shipping. Component loggers attach a
// stable component attribute so the single daemon log remains filterable.
package logging
