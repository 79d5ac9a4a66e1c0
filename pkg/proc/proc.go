// Package proc is the process monitor: it enumerates live processes through
// the kernel's per-process view and reports, for each, the executable path
// and the file-backed memory regions it has mapped, plus a snapshot of system
// memory. Everything else in the daemon consumes its output; nothing else
// touches procfs.
package proc

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/wasteddreams/preheat/pkg/config"
)

// Region is one file-backed mapping of a process.
type Region struct {
	Path   string
	Offset uint64
	Length uint64
}

// Process is one live process as seen by a scan.
type Process struct {
	PID       int
	PPID      int
	Path      string
	StartTime int64 // epoch seconds
	Maps      []Region
}

// Monitor reads procfs. Root is overridable for tests; TrustFn defaults to
// the global trusted-prefix check.
type Monitor struct {
	Root      string
	ExeFilter config.PathFilter
	MapFilter config.PathFilter
	MinSize   int64
	TrustFn   func(string) bool

	log       *logrus.Entry
	bootTime  int64
	clockTick int64
}

// NewMonitor returns a monitor over the real /proc.
func NewMonitor(log *logrus.Entry, userConfig *config.UserConfig) *Monitor {
	return NewMonitorAt(log, userConfig, "/proc")
}

// NewMonitorAt is NewMonitor over an alternate procfs root, for tests.
func NewMonitorAt(log *logrus.Entry, userConfig *config.UserConfig, root string) *Monitor {
	m := &Monitor{
		Root:      root,
		ExeFilter: config.PathFilter(userConfig.System.ExePrefix),
		MapFilter: config.PathFilter(userConfig.System.MapPrefix),
		MinSize:   userConfig.Model.MinSize,
		TrustFn:   config.Trusted,
		log:       log,
		clockTick: clockTicks(),
	}
	m.bootTime = m.readBootTime()
	return m
}

// Snapshot enumerates live processes. Per-process failures are benign and
// skipped; only a failure to read the procfs root is reported, and then the
// result is empty.
func (m *Monitor) Snapshot() ([]Process, error) {
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrProcUnavailable, err)
	}

	procs := []Process{}
	for _, entry := range entries {
		// when a directory name is not numeric, it's not a process
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		p, err := m.inspect(pid)
		if err != nil {
			m.log.WithField("pid", pid).Debug(err)
			continue
		}
		procs = append(procs, p)
	}

	return procs, nil
}

// Exists reports whether a given PID currently exists in procfs.
func (m *Monitor) Exists(pid int) bool {
	_, err := os.Stat(filepath.Join(m.Root, strconv.Itoa(pid)))
	return err == nil
}

// ExePath resolves the canonical executable path of a PID, or an error when
// the process is gone or off-limits.
func (m *Monitor) ExePath(pid int) (string, error) {
	target, err := os.Readlink(filepath.Join(m.Root, strconv.Itoa(pid), "exe"))
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return "", ErrNoSuchProcess
		case os.IsPermission(err):
			return "", ErrPermission
		default:
			return "", err
		}
	}
	// the kernel appends this suffix when the binary was replaced on disk
	target = strings.TrimSuffix(target, " (deleted)")
	return target, nil
}

func (m *Monitor) inspect(pid int) (Process, error) {
	path, err := m.ExePath(pid)
	if err != nil {
		return Process{}, err
	}

	if !m.ExeFilter.Accepts(path) {
		return Process{}, xerrors.Errorf("%w: filtered exe %s", ErrNoSuchProcess, path)
	}
	if m.TrustFn != nil && !m.TrustFn(path) {
		return Process{}, xerrors.Errorf("%w: untrusted exe %s", ErrNoSuchProcess, path)
	}

	ppid, startJiffies, err := m.readStat(pid)
	if err != nil {
		return Process{}, err
	}

	maps, err := m.readMaps(pid)
	if err != nil {
		return Process{}, err
	}

	return Process{
		PID:       pid,
		PPID:      ppid,
		Path:      path,
		StartTime: m.bootTime + startJiffies/m.clockTick,
		Maps:      maps,
	}, nil
}

// readStat pulls ppid and start time out of /proc/<pid>/stat. The comm field
// is in parens and may contain spaces; everything before the last ") " is
// pid + comm, the numeric fields follow.
func (m *Monitor) readStat(pid int) (ppid int, startJiffies int64, err error) {
	raw, err := os.ReadFile(filepath.Join(m.Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, ErrNoSuchProcess
		}
		return 0, 0, err
	}

	line := string(raw)
	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, 0, ErrNoStat
	}
	fields := strings.Fields(line[i+2:])
	// after comm: state ppid pgrp ... starttime is the 22nd overall field,
	// fields[19] relative to this slice
	if len(fields) < 20 {
		return 0, 0, ErrNoStat
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, ErrNoStat
	}
	startJiffies, err = strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, 0, ErrNoStat
	}
	return ppid, startJiffies, nil
}

// readMaps parses /proc/<pid>/maps. A mapping is file-backed iff its record
// names a regular absolute path with a nonzero inode; anonymous and deleted
// mappings are ignored. Length is end-start, discarded unless positive.
func (m *Monitor) readMaps(pid int) ([]Region, error) {
	file, err := os.Open(filepath.Join(m.Root, strconv.Itoa(pid), "maps"))
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, ErrNoSuchProcess
		case os.IsPermission(err):
			return nil, ErrPermission
		default:
			return nil, err
		}
	}
	defer file.Close()

	seen := map[Region]struct{}{}
	regions := []Region{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		region, ok := m.parseMapLine(scanner.Text())
		if !ok {
			continue
		}
		if _, dup := seen[region]; dup {
			continue
		}
		seen[region] = struct{}{}
		regions = append(regions, region)
	}
	return regions, scanner.Err()
}

func (m *Monitor) parseMapLine(line string) (Region, bool) {
	// start-end perms offset dev inode path
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Region{}, false
	}
	path := strings.Join(fields[5:], " ")
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "(deleted)") {
		return Region{}, false
	}
	if inode, err := strconv.ParseUint(fields[4], 10, 64); err != nil || inode == 0 {
		return Region{}, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Region{}, false
	}
	start, err1 := strconv.ParseUint(addrs[0], 16, 64)
	end, err2 := strconv.ParseUint(addrs[1], 16, 64)
	offset, err3 := strconv.ParseUint(fields[2], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Region{}, false
	}
	if end <= start {
		return Region{}, false
	}
	length := end - start
	if int64(length) < m.MinSize {
		return Region{}, false
	}
	if !m.MapFilter.Accepts(path) {
		return Region{}, false
	}
	return Region{Path: path, Offset: offset, Length: length}, true
}

// readBootTime parses the btime line of /proc/stat, used to convert process
// start times from jiffies-after-boot to epoch seconds.
func (m *Monitor) readBootTime() int64 {
	file, err := os.Open(filepath.Join(m.Root, "stat"))
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "btime" {
			btime, _ := strconv.ParseInt(fields[1], 10, 64)
			return btime
		}
	}
	return 0
}

// clockTicks returns jiffies per second. CLK_TCK env overrides for tests;
// 100 is the common default without cgo sysconf.
func clockTicks() int64 {
	if v, _ := strconv.Atoi(os.Getenv("CLK_TCK")); v > 0 {
		return int64(v)
	}
	return 100
}
