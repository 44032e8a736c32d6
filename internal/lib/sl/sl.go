// Package sl holds small helpers for building slog attributes.
package sl

import "log/slog"

// Err returns the attribute used for errors in every log line.
//
//	log.Error("failed to issue fine", sl.Err(err))
func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}
