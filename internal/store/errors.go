package store

import "fmt"

// PersistenceError wraps a storage failure (disk full, I/O error,
// transaction failure). Non-fatal to the process: the failed event is
// dropped and counted after retries are exhausted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CorruptionError is raised when a stored payload fails to decompress or
// decode on read. The affected row is quarantined, never silently skipped.
type CorruptionError struct {
	PatternID string
	Err       error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt pattern %s: %v", e.PatternID, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }
