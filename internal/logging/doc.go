// Package logging configures structured logging for vecdest.
//
// Logs are JSON lines written with log/slog. By default they go to stderr
// only; with --debug they are also written to a size-rotated file under
// ~/.vecdest/logs/ so a failed sync can be diagnosed afterwards.
package logging
