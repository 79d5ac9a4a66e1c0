// Package state persists the learned model as a line-oriented text file with
// a CRC32 integrity footer. Saves are atomic: serialize to a temp file, sync,
// rename over the destination. Loads never abort the daemon; anything
// suspicious sends the file into corruption recovery and the model starts
// empty.
package state

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/model"
)

// FormatMajor.FormatMinor is the state file format version. A newer major is
// rejected outright; a newer minor is loaded best-effort.
const (
	FormatMajor = 1
	FormatMinor = 2
	FileName    = "preheat.state"
)

// PIDChecker validates persisted PIDs against the live system.
// *proc.Monitor satisfies it.
type PIDChecker interface {
	Exists(pid int) bool
	ExePath(pid int) (string, error)
}

// Store reads and writes the model under a fixed path in the state dir.
type Store struct {
	log  *logrus.Entry
	path string
	pids PIDChecker
}

// NewStore builds a store for stateDir/preheat.state.
func NewStore(log *logrus.Entry, stateDir string, pids PIDChecker) *Store {
	return &Store{
		log:  log,
		path: filepath.Join(stateDir, FileName),
		pids: pids,
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Save atomically serializes the model. On success the dirty flags clear and
// the in-memory bad-exe table is emptied so rejects get another chance on
// later scans; the file keeps the BADEXE records written before the clear.
func (s *Store) Save(st *model.State) error {
	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|syscall.O_NOFOLLOW, 0o600)
	if err != nil {
		return err
	}

	if err := s.write(file, st); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}

	st.Dirty = false
	st.ModelDirty = false
	st.ClearBadExes()
	return nil
}

// write serializes every section, feeding the CRC as it goes, and finishes
// with the integrity footer.
func (s *Store) write(file io.Writer, st *model.State) error {
	buffered := bufio.NewWriter(file)
	sum := crc32.NewIEEE()
	w := io.MultiWriter(buffered, sum)

	fmt.Fprintf(w, "PRELOAD\t%d.%d\t%d\n", FormatMajor, FormatMinor, st.Time)

	for _, m := range st.MapsOrdered {
		fmt.Fprintf(w, "MAP\t%d\t%d\t%d\t%d\t-1\t%s\n",
			m.Seq, m.UpdateTime, m.Offset, m.Length, uriOf(m.Path))
	}

	badPaths := make([]string, 0, len(st.BadExes))
	for path := range st.BadExes {
		badPaths = append(badPaths, path)
	}
	sort.Strings(badPaths)
	for _, path := range badPaths {
		fmt.Fprintf(w, "BADEXE\t%d\t-1\t%s\n", st.BadExes[path], uriOf(path))
	}

	for _, exe := range st.SortedExes() {
		fmt.Fprintf(w, "EXE\t%d\t%d\t%d\t-1\t%d\t%s\t%d\t%d\t%s\n",
			exe.Seq, exe.UpdateTime, exe.Time, int(exe.Pool),
			formatFloat(exe.WeightedLaunches), exe.RawLaunches,
			exe.TotalDurationSec, uriOf(exe.Path))
		if len(exe.RunningPIDs) > 0 {
			fmt.Fprintf(w, "  PIDS\t%d\n", len(exe.RunningPIDs))
			for _, info := range sortedPIDs(exe) {
				fmt.Fprintf(w, "    PID\t%d\t%d\t%d\t%d\n",
					info.PID, info.StartTime, info.LastWeightUpdate,
					boolInt(info.UserInitiated))
			}
		}
	}

	for _, exe := range st.SortedExes() {
		for _, exemap := range sortedExeMaps(exe) {
			fmt.Fprintf(w, "EXEMAP\t%d\t%d\t%s\n",
				exe.Seq, exemap.Map.Seq, formatFloat(exemap.Prob))
		}
	}

	for _, markov := range st.SortedMarkovs() {
		fmt.Fprintf(w, "MARKOV\t%d\t%d\t%d", markov.Key.A, markov.Key.B, markov.Time)
		for i := 0; i < 4; i++ {
			fmt.Fprintf(w, "\t%s", formatFloat(markov.TimeToLeave[i]))
		}
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				fmt.Fprintf(w, "\t%d", markov.Weight[i][j])
			}
		}
		fmt.Fprintln(w)
	}

	for _, family := range st.SortedFamilies() {
		fmt.Fprintf(w, "FAMILY\t%s\t%d\t%s\n",
			family.ID, int(family.Method), strings.Join(family.Members, ";"))
	}

	fmt.Fprintf(buffered, "CRC32\t%08X\n", sum.Sum32())
	return buffered.Flush()
}

func uriOf(path string) string {
	u := url.URL{Scheme: "file", Path: path}
	return u.String()
}

func pathOf(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortedPIDs(exe *model.Exe) []*model.ProcessInfo {
	infos := make([]*model.ProcessInfo, 0, len(exe.RunningPIDs))
	for _, info := range exe.RunningPIDs {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}

func sortedExeMaps(exe *model.Exe) []*model.ExeMap {
	exemaps := make([]*model.ExeMap, 0, len(exe.ExeMaps))
	for _, exemap := range exe.ExeMaps {
		exemaps = append(exemaps, exemap)
	}
	sort.Slice(exemaps, func(i, j int) bool { return exemaps[i].Map.Seq < exemaps[j].Map.Seq })
	return exemaps
}
