// Package spy diffs consecutive process observations into model updates:
// launches, exits, running time, map attachments and Markov transitions.
package spy

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/proc"
)

// how often the preloaded-but-never-launched sweep runs, model seconds
const accountingInterval = 300

// launch weight for processes spawned by something other than the user
const childSourceFactor = 0.25

// weight factor for processes that died before the short-lived threshold
const shortLivedFactor = 0.25

// userInitiatedParents are the shells, terminals and launchers whose
// children count as user launches.
var userInitiatedParents = map[string]struct{}{}

func init() {
	for _, name := range []string{
		"bash", "zsh", "fish", "sh", "dash", "ksh",
		"gnome-shell", "plasmashell", "systemd",
		"gnome-terminal-server", "konsole", "xterm", "alacritty",
		"kitty", "foot", "wezterm", "tmux", "screen",
		"sway", "Hyprland", "xdg-open",
	} {
		userInitiatedParents[name] = struct{}{}
	}
}

// Spy owns the scan half of the tick.
type Spy struct {
	log        *logrus.Entry
	conf       *config.AppConfig
	monitor    *proc.Monitor
	state      *model.State
	classifier *Classifier

	// NowFn returns epoch seconds; tests pin it
	NowFn func() int64
}

// NewSpy wires a scanner over the shared model.
func NewSpy(log *logrus.Entry, conf *config.AppConfig, monitor *proc.Monitor, state *model.State, classifier *Classifier) *Spy {
	return &Spy{
		log:        log,
		conf:       conf,
		monitor:    monitor,
		state:      state,
		classifier: classifier,
		NowFn:      func() int64 { return time.Now().Unix() },
	}
}

// Scan performs one observation cycle against the model. A procfs-wide
// failure logs a warning and leaves the model untouched for this cycle.
func (s *Spy) Scan() {
	procs, err := s.monitor.Snapshot()
	if err != nil {
		s.log.WithError(err).Warn("process scan failed, skipping cycle")
		return
	}

	st := s.state
	nowEpoch := s.NowFn()
	cycle := int64(s.conf.UserConfig.Model.Cycle)

	pidIndex := lo.SliceToMap(procs, func(p proc.Process) (int, proc.Process) { return p.PID, p })
	byPath := lo.GroupBy(procs, func(p proc.Process) string { return p.Path })

	changed := []*model.Exe{}
	newlyRunning := []*model.Exe{}

	for path, observed := range byPath {
		exe, ok := st.Exes[path]
		if !ok {
			if _, bad := st.BadExes[path]; bad {
				continue
			}
			// admission attaches the PIDs before registration so that
			// freshly created chains see the true joint state
			exe = s.admitExe(path, observed, pidIndex)
			if exe == nil {
				continue
			}
			newlyRunning = append(newlyRunning, exe)
		} else {
			wasRunning := exe.IsRunning()
			s.purgeStalePIDs(exe, pidIndex)
			for _, p := range observed {
				s.trackPID(exe, p, pidIndex)
			}
			if !wasRunning && exe.IsRunning() {
				exe.ChangeTimestamp = st.Time
				exe.RunningTimestamp = st.Time
				changed = append(changed, exe)
				newlyRunning = append(newlyRunning, exe)
			}
		}

		if exe.IsRunning() {
			st.RunningExes[path] = struct{}{}
			st.LastRunningTimestamp = st.Time
		}
		s.attachMaps(exe, observed)
		exe.UpdateTime = st.Time
	}

	// exes that were running and are now absent
	for path := range st.RunningExes {
		if _, stillThere := byPath[path]; stillThere {
			continue
		}
		exe := st.Exes[path]
		if exe == nil {
			delete(st.RunningExes, path)
			continue
		}
		s.retirePIDs(exe, nowEpoch)
		exe.ChangeTimestamp = st.Time
		delete(st.RunningExes, path)
		changed = append(changed, exe)
	}

	// fire transitions only after every endpoint's running set is current
	for _, exe := range changed {
		for key := range exe.Markovs {
			if markov, ok := st.Markovs[key]; ok {
				st.MarkovStateChanged(markov)
			}
		}
	}

	// accumulate observed running time
	for path := range st.RunningExes {
		if exe := st.Exes[path]; exe != nil {
			exe.Time += cycle
		}
	}
	for _, markov := range st.Markovs {
		if markov.State == 3 {
			markov.Time += cycle
		}
	}

	s.grantMaturedWeights(nowEpoch)
	s.accountPreloads(newlyRunning)

	st.Dirty = true
}

// admitExe inspects a previously unseen binary and registers it, or records
// it as bad. The observed PIDs are attached before registration so that the
// priority-mesh chains created there start from the true joint state.
func (s *Spy) admitExe(path string, observed []proc.Process, pidIndex map[int]proc.Process) *model.Exe {
	st := s.state
	info, err := os.Stat(path)
	if err != nil {
		s.log.WithField("exe", path).WithError(err).Debug("rejecting unreadable binary")
		st.MarkBadExe(path, st.Time)
		return nil
	}
	if info.Size() < s.conf.UserConfig.Model.MinSize {
		s.log.WithField("exe", path).Debug("rejecting binary below minsize")
		st.MarkBadExe(path, st.Time)
		return nil
	}

	pool, reason := s.classifier.Classify(path)
	exe := model.NewExe(path, pool, reason, st.Time)
	for _, p := range observed {
		s.trackPID(exe, p, pidIndex)
	}
	exe.ChangeTimestamp = st.Time
	exe.RunningTimestamp = st.Time
	exe = st.RegisterExe(exe, true)
	s.log.WithFields(logrus.Fields{
		"exe":    path,
		"pool":   pool.String(),
		"reason": reason,
	}).Debug("tracking new exe")

	s.autoFamily(exe)
	return exe
}

// purgeStalePIDs drops recorded PIDs that are gone or no longer executing
// this exe's binary.
func (s *Spy) purgeStalePIDs(exe *model.Exe, pidIndex map[int]proc.Process) {
	for pid := range exe.RunningPIDs {
		current, alive := pidIndex[pid]
		if !alive || current.Path != exe.Path {
			delete(exe.RunningPIDs, pid)
		}
	}
}

// trackPID records a live process under its exe and does launch accounting
// for PIDs we haven't seen before.
func (s *Spy) trackPID(exe *model.Exe, p proc.Process, pidIndex map[int]proc.Process) {
	if _, known := exe.RunningPIDs[p.PID]; known {
		return
	}

	userInitiated := s.isUserInitiated(p, pidIndex)
	exe.RunningPIDs[p.PID] = &model.ProcessInfo{
		PID:           p.PID,
		ParentPID:     p.PPID,
		StartTime:     p.StartTime,
		UserInitiated: userInitiated,
	}

	if userInitiated {
		exe.RawLaunches++
	}
}

// isUserInitiated reports whether the parent is a shell, terminal or
// launcher. Children of already-tracked applications don't count.
func (s *Spy) isUserInitiated(p proc.Process, pidIndex map[int]proc.Process) bool {
	parentPath := ""
	if parent, ok := pidIndex[p.PPID]; ok {
		parentPath = parent.Path
	} else if resolved, err := s.monitor.ExePath(p.PPID); err == nil {
		parentPath = resolved
	}
	if parentPath == "" {
		return false
	}
	if parentPath == p.Path {
		return false
	}
	_, ok := userInitiatedParents[filepath.Base(parentPath)]
	return ok
}

// attachMaps creates or refreshes the exe's map associations from the
// observed address space. New associations start at full probability.
func (s *Spy) attachMaps(exe *model.Exe, observed []proc.Process) {
	st := s.state
	for _, p := range observed {
		for _, region := range p.Maps {
			m := st.GetOrCreateMap(region.Path, region.Offset, region.Length)
			m.UpdateTime = st.Time
			st.AddExeMap(exe, m, 1.0)
		}
	}
}

// retirePIDs settles the launch weight of every PID of an exiting exe. A
// process that never reached the short-lived threshold earns a reduced
// weight now; its lifetime joins the duration total either way.
func (s *Spy) retirePIDs(exe *model.Exe, nowEpoch int64) {
	for pid, info := range exe.RunningPIDs {
		lifetime := nowEpoch - info.StartTime
		if lifetime > 0 {
			exe.TotalDurationSec += lifetime
		}
		if info.LastWeightUpdate == 0 {
			exe.WeightedLaunches += s.launchWeight(info, shortLivedFactor)
		}
		delete(exe.RunningPIDs, pid)
	}
}

// grantMaturedWeights awards the full launch weight to processes that have
// outlived the short-lived threshold.
func (s *Spy) grantMaturedWeights(nowEpoch int64) {
	threshold := int64(s.conf.UserConfig.Preheat.ShortLivedThreshold)
	for path := range s.state.RunningExes {
		exe := s.state.Exes[path]
		if exe == nil {
			continue
		}
		for _, info := range exe.RunningPIDs {
			if info.LastWeightUpdate != 0 {
				continue
			}
			if nowEpoch-info.StartTime < threshold {
				continue
			}
			exe.WeightedLaunches += s.launchWeight(info, 1.0)
			info.LastWeightUpdate = nowEpoch
		}
	}
}

// launchWeight combines the source, duration and recency factors. Recency
// decays from the configured weight towards 1.0 as the model ages.
func (s *Spy) launchWeight(info *model.ProcessInfo, durationFactor float64) float64 {
	source := childSourceFactor
	if info.UserInitiated {
		source = 1.0
	}
	rw := s.conf.UserConfig.Preheat.RecencyWeight
	recency := 1 + (rw-1)/(1+float64(s.state.Time)/86400)
	return source * durationFactor * recency
}

// accountPreloads settles the hit/miss counters: a hit is an exe launched
// while flagged as preloaded; the periodic sweep turns stale flags into
// misses.
func (s *Spy) accountPreloads(newlyRunning []*model.Exe) {
	st := s.state
	for _, exe := range newlyRunning {
		if exe.Preloaded {
			exe.Hits++
			exe.Preloaded = false
		}
	}
	if st.Time-st.LastAccountingTimestamp < accountingInterval {
		return
	}
	for _, exe := range st.Exes {
		if exe.Preloaded && !exe.IsRunning() {
			exe.Misses++
			exe.Preloaded = false
		}
	}
	st.LastAccountingTimestamp = st.Time
}

// autoFamily groups binaries whose basename shares a leading token of at
// least four characters, e.g. libreoffice-writer and libreoffice-calc.
func (s *Spy) autoFamily(exe *model.Exe) {
	token := familyToken(exe.Path)
	if token == "" {
		return
	}

	id := "auto:" + token
	if _, ok := s.state.Families[id]; ok {
		s.state.ExtendFamily(id, exe.Path)
		return
	}

	siblings := []string{}
	for path := range s.state.Exes {
		if path != exe.Path && familyToken(path) == token {
			siblings = append(siblings, path)
		}
	}
	if len(siblings) == 0 {
		return
	}
	s.state.AddFamily(id, append(siblings, exe.Path), model.MethodAuto)
}

func familyToken(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexAny(base, "-."); i >= 0 {
		base = base[:i]
	}
	if len(base) < 4 {
		return ""
	}
	return base
}
