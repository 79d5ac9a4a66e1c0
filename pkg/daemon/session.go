package daemon

import (
	"os"
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/libscan"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/preload"
	"github.com/wasteddreams/preheat/pkg/proc"
	"github.com/wasteddreams/preheat/pkg/prophet"
)

const (
	// SessionBoost is the lnprob assigned to top apps inside the boot
	// window; low enough to beat any organic score
	SessionBoost = -15.0

	// SessionWindowSeconds is how long after login the boost applies
	SessionWindowSeconds = 180

	// SessionMaxApps caps how many apps are boosted per tick
	SessionMaxApps = 5

	// sessionMinAvailablePct aborts the boost under memory pressure
	sessionMinAvailablePct = 20.0
)

// SessionHook watches for user logins (creation of the per-user runtime
// directory) and, during a short boot window, forces the user's top apps to
// the front of the preload queue.
type SessionHook struct {
	log       *logrus.Entry
	state     *model.State
	monitor   *proc.Monitor
	prophet   *prophet.Prophet
	preloader *preload.Preloader
	scanner   *libscan.Scanner

	// RunUserDir is /run/user in production; tests point it elsewhere
	RunUserDir string

	// NowFn returns epoch seconds; tests pin it
	NowFn func() int64

	seen      map[string]int64
	windowEnd int64
}

// NewSessionHook wires the hook over the shared model.
func NewSessionHook(log *logrus.Entry, st *model.State, monitor *proc.Monitor, prophetEngine *prophet.Prophet, preloader *preload.Preloader, scanner *libscan.Scanner, nowFn func() int64) *SessionHook {
	return &SessionHook{
		log:        log,
		state:      st,
		monitor:    monitor,
		prophet:    prophetEngine,
		preloader:  preloader,
		scanner:    scanner,
		RunUserDir: "/run/user",
		NowFn:      nowFn,
		seen:       map[string]int64{},
	}
}

// Apply runs between prediction and preload each tick. Outside the boot
// window it is a no-op.
func (h *SessionHook) Apply() {
	h.detectSessions()

	now := h.NowFn()
	if now >= h.windowEnd {
		return
	}

	if memstat, err := h.monitor.MemStat(); err == nil && memstat.Total > 0 {
		availablePct := float64(memstat.Available) / float64(memstat.Total) * 100
		if availablePct < sessionMinAvailablePct {
			h.preloader.MemoryPressureEvents.Add(1)
			h.log.WithField("available_pct", availablePct).Info("session boost aborted, memory pressure")
			return
		}
	}

	boosted := 0
	for _, exe := range h.topApps() {
		if exe.Size == 0 {
			h.discoverLibraries(exe)
		}
		exe.LnProb = SessionBoost
		boosted++
	}
	if boosted > 0 {
		h.prophet.RecomputeMaps()
		h.log.WithFields(logrus.Fields{
			"boosted":   boosted,
			"remaining": h.windowEnd - now,
		}).Debug("session boost applied")
	}
}

// Active reports whether the boot window is currently open.
func (h *SessionHook) Active() bool {
	return h.NowFn() < h.windowEnd
}

// detectSessions scans the per-user runtime directory for sessions we
// haven't accounted yet. A daemon starting mid-session picks up the
// remaining window from the directory's creation timestamp.
func (h *SessionHook) detectSessions() {
	entries, err := os.ReadDir(h.RunUserDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		created := info.ModTime().Unix()
		if previous, known := h.seen[entry.Name()]; known && previous >= created {
			continue
		}
		h.seen[entry.Name()] = created
		if end := created + SessionWindowSeconds; end > h.windowEnd {
			h.windowEnd = end
			h.log.WithFields(logrus.Fields{
				"uid":    entry.Name(),
				"window": SessionWindowSeconds,
			}).Info("user session detected, boot window open")
		}
	}
}

// topApps ranks the not-currently-running priority exes by weighted
// launches.
func (h *SessionHook) topApps() []*model.Exe {
	candidates := lo.Filter(h.state.SortedExes(), func(exe *model.Exe, _ int) bool {
		return exe.Pool == model.PoolPriority && !exe.IsRunning()
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].WeightedLaunches > candidates[j].WeightedLaunches
	})
	if len(candidates) > SessionMaxApps {
		candidates = candidates[:SessionMaxApps]
	}
	return candidates
}

// discoverLibraries attaches maps to an exe that was seeded without ever
// being observed: the binary itself plus its shared libraries.
func (h *SessionHook) discoverLibraries(exe *model.Exe) {
	paths := []string{exe.Path}
	if libs, err := h.scanner.Libraries(exe.Path); err == nil {
		paths = append(paths, libs...)
	} else {
		h.log.WithField("exe", exe.Path).WithError(err).Debug("library discovery failed")
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		m := h.state.GetOrCreateMap(path, 0, uint64(info.Size()))
		m.UpdateTime = h.state.Time
		h.state.AddExeMap(exe, m, 1.0)
	}
	h.log.WithFields(logrus.Fields{
		"exe":  exe.Path,
		"maps": len(exe.ExeMaps),
	}).Debug("libraries discovered for seeded exe")
}
