package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PIDFile enforces a single daemon instance through an exclusive advisory
// lock held for the daemon's lifetime.
type PIDFile struct {
	file *os.File
	path string
}

// AcquirePIDFile locks the pid file or fails fast with the holder's PID in
// the message. Failure here is fatal at startup.
func AcquirePIDFile(path string) (*PIDFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open pid file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := "unknown"
		content := make([]byte, 32)
		if n, readErr := file.ReadAt(content, 0); readErr == nil || n > 0 {
			if pid := strings.TrimSpace(string(content[:n])); pid != "" {
				holder = pid
			}
		}
		file.Close()
		return nil, fmt.Errorf("another instance is already running (pid %s, lock on %s)", holder, path)
	}

	if err := file.Truncate(0); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		file.Close()
		return nil, err
	}

	return &PIDFile{file: file, path: path}, nil
}

// Release drops the lock and removes the file.
func (p *PIDFile) Release() {
	if p.file == nil {
		return
	}
	unix.Flock(int(p.file.Fd()), unix.LOCK_UN)
	p.file.Close()
	os.Remove(p.path)
	p.file = nil
}
