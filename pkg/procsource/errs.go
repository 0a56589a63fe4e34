package procsource

import "errors"

var (
	// ErrMissing indicates that the pid exited between enumeration and read.
	// It is a transient, expected condition and never fatal.
	ErrMissing = errors.New("procsource: process gone")

	// ErrPermission indicates the reader lacks access to a per-pid file.
	ErrPermission = errors.New("procsource: permission denied")

	// ErrMalformed indicates unparseable content for one pid.
	ErrMalformed = errors.New("procsource: malformed content")

	// ErrNoSummary indicates the kernel does not expose smaps_rollup.
	ErrNoSummary = errors.New("procsource: no memory summary")
)
