// Package audit relays session audit events to a sink off the request path.
//
// A [Dispatcher] may be shared by many Managers: the web shell runs one for
// all browsers, so events from every browser share one sequence. Sinks write
// to a channel, JSON lines or slog.
//
// The package must not import the root eduauth package.
package audit
