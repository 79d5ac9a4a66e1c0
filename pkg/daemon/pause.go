package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PauseFileName is the sentinel that disables preloading while present.
// Scanning and learning continue regardless.
const PauseFileName = "preheat.pause"

// Paused reports whether the pause sentinel is in effect. Content "0" pauses
// until reboot (file removal); any other number is an epoch-seconds expiry.
// An expired sentinel is cleaned up on the spot.
func (d *Daemon) Paused() bool {
	path := filepath.Join(d.conf.StateDir, PauseFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	value := strings.TrimSpace(string(content))
	if value == "0" {
		return true
	}
	expiry, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// garbage content still means someone asked us to stop
		return true
	}
	if d.NowFn() >= expiry {
		os.Remove(path)
		return false
	}
	return true
}
