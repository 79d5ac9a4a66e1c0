package proc

import "errors"

var (
	// ErrNoSuchProcess indicates the process vanished between enumeration
	// and inspection. Benign; the caller skips the entry.
	ErrNoSuchProcess = errors.New("proc: no such process")

	// ErrPermission indicates the kernel refused to reveal the process's
	// exe link or maps. Benign; the caller skips the entry.
	ErrPermission = errors.New("proc: permission denied")

	// ErrProcUnavailable indicates procfs itself could not be enumerated.
	// Cycle-fatal: the scan returns an empty result.
	ErrProcUnavailable = errors.New("proc: procfs unavailable")

	// ErrNoStat indicates /proc/<pid>/stat was empty or malformed.
	ErrNoStat = errors.New("proc: malformed or empty stat")

	// ErrNoMemInfo indicates /proc/meminfo was missing a required field.
	ErrNoMemInfo = errors.New("proc: incomplete meminfo")
)
