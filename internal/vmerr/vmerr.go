// Package vmerr defines the orchestrator's error taxonomy: sentinel kinds
// callers match with errors.Is, wrapped with the failing operation's
// context via fmt.Errorf's %w.
package vmerr

import "errors"

var (
	// ErrNotFound is returned when a VM id or base image name is unknown.
	// Never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a name or resource is already held.
	ErrConflict = errors.New("conflict")

	// ErrResourceExhausted is returned when the TAP pool, SSH port pool,
	// or disk space is exhausted. The caller may release and retry.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrPrecondition is returned when an operation requires a record
	// state it is not currently in (e.g. snapshotting a non-paused VM).
	ErrPrecondition = errors.New("precondition failed")

	// ErrMonitorFailure is returned when spawning the monitor fails, a
	// control-API call returns a non-2xx status, or its socket never
	// appears. Shutdown-family calls swallow timeouts instead of
	// returning this.
	ErrMonitorFailure = errors.New("monitor failure")

	// ErrGuestTimeout is returned when the boot console marker is never
	// observed or reachability is never achieved. The record transitions
	// to error but the worker process is left running for inspection.
	ErrGuestTimeout = errors.New("guest timeout")

	// ErrTransient marks a vsock reconfiguration failure after retries.
	// Callers log a warning and continue rather than failing the start.
	ErrTransient = errors.New("transient failure")

	// ErrCorruption is returned when a persisted state file fails to
	// parse on reload. The record is skipped, not a reason to crash.
	ErrCorruption = errors.New("corruption")
)
