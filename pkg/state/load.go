package state

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wasteddreams/preheat/pkg/model"
)

// errNewerMajor marks a state file from a future format. The file is valid,
// just unreadable by us: rejected with a fresh start but never quarantined.
var errNewerMajor = errors.New("state file from a newer major version")

// Load reads the state file. A missing file is the first-run condition and
// yields an empty model. Any parse, reference or integrity problem triggers
// corruption recovery: the bad file is set aside with a timestamp suffix and
// an empty model is returned. Load never fails the caller.
func (s *Store) Load() *model.State {
	st, err := s.tryLoad()
	if err == nil {
		return st
	}

	s.log.WithError(err).Warn("state file unusable, starting with empty model")
	if !errors.Is(err, errNewerMajor) {
		s.quarantine()
	}
	return model.NewState()
}

// tryLoad is the strict parse; every parse, reference or integrity failure
// collapses into LoadError. A newer major version is reported separately.
func (s *Store) tryLoad() (*model.State, error) {
	file, err := os.OpenFile(s.path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewState(), nil
		}
		return nil, ioErr(err.Error())
	}
	content, err := readAndClose(file)
	if err != nil {
		return nil, ioErr(err.Error())
	}

	body, err := verifyCRC(content)
	if err != nil {
		return nil, err
	}

	return s.parse(body)
}

func readAndClose(file *os.File) ([]byte, error) {
	defer file.Close()
	return io.ReadAll(file)
}

// verifyCRC checks the trailing footer and returns the content before it.
func verifyCRC(content []byte) ([]byte, error) {
	text := string(content)
	idx := strings.LastIndex(text, "CRC32\t")
	if idx < 0 || (idx > 0 && text[idx-1] != '\n') {
		return nil, syntaxErr(0, "missing CRC32 footer")
	}
	footer := strings.TrimSuffix(text[idx:], "\n")
	fields := strings.Split(footer, "\t")
	if len(fields) != 2 || len(fields[1]) != 8 {
		return nil, syntaxErr(0, "malformed CRC32 footer")
	}
	want, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return nil, syntaxErr(0, "malformed CRC32 footer")
	}

	body := content[:idx]
	if crc32.ChecksumIEEE(body) != uint32(want) {
		return nil, ioErr("CRC32 mismatch")
	}
	return body, nil
}

// parse walks the body line by line, building a fresh model.
func (s *Store) parse(body []byte) (*model.State, error) {
	st := model.NewState()

	exeBySeq := map[int]*model.Exe{}
	mapBySeq := map[int]*model.Map{}
	var currentExe *model.Exe
	pendingPIDs := 0

	lines := strings.Split(string(body), "\n")
	for i, raw := range lines {
		lineNo := i + 1
		if raw == "" {
			continue
		}
		line := strings.TrimLeft(raw, " ")
		fields := strings.Split(line, "\t")
		tag := fields[0]

		if tag != "PID" && pendingPIDs > 0 {
			// a short PIDS subsection is tolerated; the counter resets
			pendingPIDs = 0
		}
		if tag != "PIDS" && tag != "PID" && tag != "EXE" {
			currentExe = nil
		}

		if i == 0 && tag != "PRELOAD" {
			return nil, syntaxErr(lineNo, "missing PRELOAD header")
		}

		switch tag {
		case "PRELOAD":
			if i != 0 {
				return nil, syntaxErr(lineNo, "stray PRELOAD header")
			}
			if err := s.parseHeader(fields, st, lineNo); err != nil {
				return nil, err
			}
		case "MAP":
			if err := parseMap(fields, st, mapBySeq, lineNo); err != nil {
				return nil, err
			}
		case "BADEXE":
			if err := parseBadExe(fields, st, lineNo); err != nil {
				return nil, err
			}
		case "EXE":
			exe, err := parseExe(fields, st, exeBySeq, lineNo)
			if err != nil {
				return nil, err
			}
			currentExe = exe
		case "PIDS":
			if currentExe == nil {
				return nil, syntaxErr(lineNo, "PIDS without owning EXE")
			}
			if len(fields) != 2 {
				return nil, syntaxErr(lineNo, "bad PIDS record")
			}
			count, err := strconv.Atoi(fields[1])
			if err != nil || count < 0 {
				return nil, syntaxErr(lineNo, "bad PIDS count")
			}
			pendingPIDs = count
		case "PID":
			if currentExe == nil || pendingPIDs == 0 {
				return nil, syntaxErr(lineNo, "PID outside a PIDS subsection")
			}
			if err := s.parsePID(fields, currentExe, lineNo); err != nil {
				return nil, err
			}
			pendingPIDs--
		case "EXEMAP":
			if err := parseExeMap(fields, st, exeBySeq, mapBySeq, lineNo); err != nil {
				return nil, err
			}
		case "MARKOV":
			if err := parseMarkov(fields, st, exeBySeq, lineNo); err != nil {
				return nil, err
			}
		case "FAMILY":
			if err := parseFamily(fields, st, lineNo); err != nil {
				return nil, err
			}
		default:
			return nil, syntaxErr(lineNo, fmt.Sprintf("unknown record %q", tag))
		}
	}

	finishLoad(st)
	return st, nil
}

func (s *Store) parseHeader(fields []string, st *model.State, lineNo int) error {
	if len(fields) != 3 {
		return syntaxErr(lineNo, "bad PRELOAD header")
	}
	version := strings.SplitN(fields[1], ".", 2)
	if len(version) != 2 {
		return syntaxErr(lineNo, "bad version")
	}
	major, err1 := strconv.Atoi(version[0])
	minor, err2 := strconv.Atoi(version[1])
	if err1 != nil || err2 != nil {
		return syntaxErr(lineNo, "bad version")
	}
	if major > FormatMajor {
		return fmt.Errorf("%w: %d.%d", errNewerMajor, major, minor)
	}
	if major != FormatMajor {
		return syntaxErr(lineNo, fmt.Sprintf("unsupported major version %d", major))
	}
	if minor > FormatMinor {
		s.log.WithField("version", fields[1]).Warn("state file from a newer minor version, loading best-effort")
	}
	t, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || t < 0 {
		return syntaxErr(lineNo, "bad model time")
	}
	st.Time = t
	return nil
}

func parseMap(fields []string, st *model.State, mapBySeq map[int]*model.Map, lineNo int) error {
	if len(fields) != 7 {
		return syntaxErr(lineNo, "bad MAP record")
	}
	seq, err1 := strconv.Atoi(fields[1])
	updateTime, err2 := strconv.ParseInt(fields[2], 10, 64)
	offset, err3 := strconv.ParseUint(fields[3], 10, 64)
	length, err4 := strconv.ParseUint(fields[4], 10, 64)
	path, ok := pathOf(fields[6])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || !ok {
		return syntaxErr(lineNo, "bad MAP record")
	}
	if _, dup := mapBySeq[seq]; dup {
		return &LoadError{Kind: KindDuplicate, Line: lineNo, Reason: "duplicate map seq"}
	}
	key := model.MapKey{Path: path, Offset: offset, Length: length}
	if _, dup := st.Maps[key]; dup {
		return &LoadError{Kind: KindDuplicate, Line: lineNo, Reason: "duplicate map triple"}
	}

	m := model.NewMap(path, offset, length, updateTime)
	m.Seq = seq
	m.UpdateTime = updateTime
	st.RegisterMap(m)
	mapBySeq[seq] = m
	return nil
}

func parseBadExe(fields []string, st *model.State, lineNo int) error {
	if len(fields) != 4 {
		return syntaxErr(lineNo, "bad BADEXE record")
	}
	updateTime, err := strconv.ParseInt(fields[1], 10, 64)
	path, ok := pathOf(fields[3])
	if err != nil || !ok {
		return syntaxErr(lineNo, "bad BADEXE record")
	}
	st.MarkBadExe(path, updateTime)
	return nil
}

// parseExe accepts the three compatible widths: 5 value fields (no pool, no
// counts), 6 (pool, no counts) and the full 9. Missing fields default to
// OBSERVATION and zero counts.
func parseExe(fields []string, st *model.State, exeBySeq map[int]*model.Exe, lineNo int) (*model.Exe, error) {
	if len(fields) != 6 && len(fields) != 7 && len(fields) != 10 {
		return nil, syntaxErr(lineNo, "bad EXE record")
	}
	seq, err1 := strconv.Atoi(fields[1])
	updateTime, err2 := strconv.ParseInt(fields[2], 10, 64)
	exeTime, err3 := strconv.ParseInt(fields[3], 10, 64)
	path, ok := pathOf(fields[len(fields)-1])
	if err1 != nil || err2 != nil || err3 != nil || !ok {
		return nil, syntaxErr(lineNo, "bad EXE record")
	}

	pool := model.PoolObservation
	if len(fields) >= 7 {
		poolInt, err := strconv.Atoi(fields[5])
		if err != nil || poolInt < 0 || poolInt > 1 {
			return nil, syntaxErr(lineNo, "bad EXE pool")
		}
		pool = model.Pool(poolInt)
	}

	var weighted float64
	var raw int
	var duration int64
	if len(fields) == 10 {
		var err4, err5, err6 error
		weighted, err4 = strconv.ParseFloat(fields[6], 64)
		raw, err5 = strconv.Atoi(fields[7])
		duration, err6 = strconv.ParseInt(fields[8], 10, 64)
		if err4 != nil || err5 != nil || err6 != nil {
			return nil, syntaxErr(lineNo, "bad EXE counters")
		}
	}

	if _, dup := st.Exes[path]; dup {
		return nil, &LoadError{Kind: KindDuplicate, Line: lineNo, Reason: "duplicate exe path"}
	}
	if _, dup := exeBySeq[seq]; dup {
		return nil, &LoadError{Kind: KindDuplicate, Line: lineNo, Reason: "duplicate exe seq"}
	}

	exe := model.NewExe(path, pool, "restored", updateTime)
	exe.Seq = seq
	exe.UpdateTime = updateTime
	exe.Time = exeTime
	exe.WeightedLaunches = weighted
	exe.RawLaunches = raw
	exe.TotalDurationSec = duration
	st.RegisterExe(exe, false)
	exeBySeq[seq] = exe
	return exe, nil
}

// parsePID restores one live-PID record, dropping it silently when the
// process is gone or no longer executes this exe's binary.
func (s *Store) parsePID(fields []string, exe *model.Exe, lineNo int) error {
	if len(fields) != 5 {
		return syntaxErr(lineNo, "bad PID record")
	}
	pid, err1 := strconv.Atoi(fields[1])
	startTime, err2 := strconv.ParseInt(fields[2], 10, 64)
	lastUpdate, err3 := strconv.ParseInt(fields[3], 10, 64)
	userInit, err4 := strconv.Atoi(fields[4])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return syntaxErr(lineNo, "bad PID record")
	}

	if s.pids != nil {
		if !s.pids.Exists(pid) {
			return nil
		}
		current, err := s.pids.ExePath(pid)
		if err != nil || current != exe.Path {
			return nil
		}
	}

	exe.RunningPIDs[pid] = &model.ProcessInfo{
		PID:              pid,
		StartTime:        startTime,
		LastWeightUpdate: lastUpdate,
		UserInitiated:    userInit != 0,
	}
	return nil
}

func parseExeMap(fields []string, st *model.State, exeBySeq map[int]*model.Exe, mapBySeq map[int]*model.Map, lineNo int) error {
	if len(fields) != 4 {
		return syntaxErr(lineNo, "bad EXEMAP record")
	}
	exeSeq, err1 := strconv.Atoi(fields[1])
	mapSeq, err2 := strconv.Atoi(fields[2])
	prob, err3 := strconv.ParseFloat(fields[3], 64)
	if err1 != nil || err2 != nil || err3 != nil || prob < 0 || prob > 1 {
		return syntaxErr(lineNo, "bad EXEMAP record")
	}
	exe := exeBySeq[exeSeq]
	m := mapBySeq[mapSeq]
	if exe == nil || m == nil {
		return indexErr(lineNo, "EXEMAP references unknown seq")
	}
	st.AddExeMap(exe, m, prob)
	return nil
}

func parseMarkov(fields []string, st *model.State, exeBySeq map[int]*model.Exe, lineNo int) error {
	if len(fields) != 1+3+4+16 {
		return syntaxErr(lineNo, "bad MARKOV record")
	}
	aSeq, err1 := strconv.Atoi(fields[1])
	bSeq, err2 := strconv.Atoi(fields[2])
	jointTime, err3 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return syntaxErr(lineNo, "bad MARKOV record")
	}
	a := exeBySeq[aSeq]
	b := exeBySeq[bSeq]
	if a == nil || b == nil || a == b {
		return indexErr(lineNo, "MARKOV references unknown seq")
	}

	key := model.NewMarkovKey(aSeq, bSeq)
	if _, dup := st.Markovs[key]; dup {
		return &LoadError{Kind: KindDuplicate, Line: lineNo, Reason: "duplicate markov pair"}
	}

	markov := &model.Markov{Key: key, Time: jointTime}
	for i := 0; i < 4; i++ {
		ttl, err := strconv.ParseFloat(fields[4+i], 64)
		if err != nil {
			return syntaxErr(lineNo, "bad MARKOV time_to_leave")
		}
		markov.TimeToLeave[i] = ttl
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			weight, err := strconv.ParseUint(fields[8+i*4+j], 10, 64)
			if err != nil {
				return syntaxErr(lineNo, "bad MARKOV weight")
			}
			markov.Weight[i][j] = weight
		}
	}

	st.Markovs[key] = markov
	a.Markovs[key] = struct{}{}
	b.Markovs[key] = struct{}{}
	return nil
}

// parseFamily restores one family line. A duplicate id is dropped and the
// first kept, per the migration contract.
func parseFamily(fields []string, st *model.State, lineNo int) error {
	if len(fields) != 4 {
		return syntaxErr(lineNo, "bad FAMILY record")
	}
	id := fields[1]
	methodInt, err := strconv.Atoi(fields[2])
	if err != nil || methodInt < 0 || methodInt > 2 || id == "" {
		return syntaxErr(lineNo, "bad FAMILY record")
	}
	members := strings.Split(fields[3], ";")
	st.AddFamily(id, members, model.FamilyMethod(methodInt))
	return nil
}

// finishLoad restores the derived pieces: the running set from validated
// PIDs, the markov state from the running set, and clean dirty flags.
func finishLoad(st *model.State) {
	for path, exe := range st.Exes {
		if exe.IsRunning() {
			st.RunningExes[path] = struct{}{}
		}
	}
	for key, markov := range st.Markovs {
		a, b := st.ExeBySeq(key.A), st.ExeBySeq(key.B)
		state := 0
		if a != nil && a.IsRunning() {
			state |= 1
		}
		if b != nil && b.IsRunning() {
			state |= 2
		}
		markov.State = state
		markov.ChangeTimestamp = st.Time
	}
	st.Dirty = false
	st.ModelDirty = false
}

// quarantine renames a bad state file out of the way with a timestamp
// suffix; the next save writes a fresh one.
func (s *Store) quarantine() {
	if _, err := os.Lstat(s.path); err != nil {
		return
	}
	broken := fmt.Sprintf("%s.broken.%s", s.path, time.Now().Format("20060102_150405"))
	if err := os.Rename(s.path, broken); err != nil {
		s.log.WithError(err).Warn("could not quarantine state file")
		return
	}
	s.log.WithField("renamed", broken).Warn("corrupt state file quarantined")
}
