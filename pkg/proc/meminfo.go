package proc

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MemStat is a snapshot of system memory, all values in bytes.
type MemStat struct {
	Total     uint64
	Free      uint64
	Available uint64
	Buffers   uint64
	Cached    uint64
}

// MemStat parses /proc/meminfo. Values there are in kB.
func (m *Monitor) MemStat() (MemStat, error) {
	file, err := os.Open(filepath.Join(m.Root, "meminfo"))
	if err != nil {
		return MemStat{}, err
	}
	defer file.Close()

	stat := MemStat{}
	found := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		bytes := kb * 1024
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			stat.Total = bytes
			found++
		case "MemFree":
			stat.Free = bytes
			found++
		case "MemAvailable":
			stat.Available = bytes
			found++
		case "Buffers":
			stat.Buffers = bytes
			found++
		case "Cached":
			stat.Cached = bytes
			found++
		}
	}
	if err := scanner.Err(); err != nil {
		return MemStat{}, err
	}
	// MemAvailable is absent on ancient kernels; estimate it rather than fail
	if stat.Available == 0 {
		stat.Available = stat.Free + stat.Cached
		if found < 4 {
			return stat, ErrNoMemInfo
		}
		return stat, nil
	}
	if found < 5 {
		return stat, ErrNoMemInfo
	}
	return stat, nil
}
