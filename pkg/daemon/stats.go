package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	throttle "github.com/boz/go-throttle"
	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/preload"
	"github.com/wasteddreams/preheat/pkg/state"
)

// StatsFileName is the key=value text endpoint the CLI reads.
const StatsFileName = "preheat.stats"

const statsMaxTopApps = 20

// StatsWriter maintains the stats file. Periodic refreshes go through a
// throttle so busy ticks don't rewrite the file every cycle; SIGUSR1 forces
// an immediate one.
type StatsWriter struct {
	log       *logrus.Entry
	conf      *config.AppConfig
	state     *model.State
	preloader *preload.Preloader
	store     *state.Store
	startTime time.Time

	driver throttle.ThrottleDriver
}

// NewStatsWriter builds the writer and its refresh throttle.
func NewStatsWriter(log *logrus.Entry, conf *config.AppConfig, st *model.State, preloader *preload.Preloader, store *state.Store) *StatsWriter {
	w := &StatsWriter{
		log:       log,
		conf:      conf,
		state:     st,
		preloader: preloader,
		store:     store,
		startTime: time.Now(),
	}
	w.driver = throttle.ThrottleFunc(time.Minute, true, w.Refresh)
	return w
}

// MaybeRefresh requests a throttled refresh; at most one write per minute.
func (w *StatsWriter) MaybeRefresh() {
	w.driver.Trigger()
}

// Stop tears the throttle goroutine down.
func (w *StatsWriter) Stop() {
	w.driver.Stop()
}

// Refresh writes the stats file now.
func (w *StatsWriter) Refresh() {
	content := w.render()

	path := filepath.Join(w.conf.StateDir, StatsFileName)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|syscall.O_NOFOLLOW, 0o644)
	if err != nil {
		w.log.WithError(err).Warn("cannot write stats file")
		return
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		w.log.WithError(err).Warn("stats file write failed")
	}
}

func (w *StatsWriter) render() string {
	st := w.state
	st.Mu.RLock()
	defer st.Mu.RUnlock()

	hits, misses := 0, 0
	priority, observation := 0, 0
	for _, exe := range st.Exes {
		hits += exe.Hits
		misses += exe.Misses
		if exe.Pool == model.PoolPriority {
			priority++
		} else {
			observation++
		}
	}
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses) * 100
	}

	var stateFileBytes, lastSave int64
	if info, err := os.Stat(w.store.Path()); err == nil {
		stateFileBytes = info.Size()
		lastSave = info.ModTime().Unix()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "version=%s\n", w.conf.Version)
	fmt.Fprintf(&b, "uptime_seconds=%d\n", int64(time.Since(w.startTime).Seconds()))
	fmt.Fprintf(&b, "preloads_total=%d\n", w.preloader.PreloadsTotal.Load())
	fmt.Fprintf(&b, "hits=%d\n", hits)
	fmt.Fprintf(&b, "misses=%d\n", misses)
	fmt.Fprintf(&b, "hit_rate=%.1f\n", hitRate)
	fmt.Fprintf(&b, "apps_tracked=%d\n", len(st.Exes))
	fmt.Fprintf(&b, "priority_pool=%d\n", priority)
	fmt.Fprintf(&b, "observation_pool=%d\n", observation)
	fmt.Fprintf(&b, "total_preloaded_mb=%d\n", w.preloader.PreloadedBytes.Load()>>20)
	fmt.Fprintf(&b, "memory_pressure_events=%d\n", w.preloader.MemoryPressureEvents.Load())
	fmt.Fprintf(&b, "state_file_bytes=%d\n", stateFileBytes)
	fmt.Fprintf(&b, "last_save_unix=%d\n", lastSave)

	for i, app := range w.topApps() {
		fmt.Fprintf(&b, "top_app_%d=%s:%.2f:%d:%d:%s\n",
			i+1, app.name, app.weighted, app.raw, app.preloaded, app.pool)
	}
	return b.String()
}

type topApp struct {
	name      string
	weighted  float64
	raw       int
	preloaded int
	pool      string
}

// topApps ranks by weighted launches, family-aware: members of a family are
// folded into one aggregated entry under the family id.
func (w *StatsWriter) topApps() []topApp {
	st := w.state
	apps := []topApp{}

	for _, family := range st.SortedFamilies() {
		stats := family.Stats(st)
		if stats.TotalWeightedLaunches == 0 && stats.TotalRawLaunches == 0 {
			continue
		}
		entry := topApp{
			name:     family.ID,
			weighted: stats.TotalWeightedLaunches,
			raw:      stats.TotalRawLaunches,
			pool:     model.PoolObservation.String(),
		}
		for _, member := range family.Members {
			if exe, ok := st.Exes[member]; ok {
				if exe.Preloaded {
					entry.preloaded++
				}
				if exe.Pool == model.PoolPriority {
					entry.pool = model.PoolPriority.String()
				}
			}
		}
		apps = append(apps, entry)
	}

	for _, exe := range st.SortedExes() {
		if _, inFamily := st.ExeToFamily[exe.Path]; inFamily {
			continue
		}
		preloaded := 0
		if exe.Preloaded {
			preloaded = 1
		}
		apps = append(apps, topApp{
			name:      filepath.Base(exe.Path),
			weighted:  exe.WeightedLaunches,
			raw:       exe.RawLaunches,
			preloaded: preloaded,
			pool:      exe.Pool.String(),
		})
	}

	sort.SliceStable(apps, func(i, j int) bool { return apps[i].weighted > apps[j].weighted })
	if len(apps) > statsMaxTopApps {
		apps = apps[:statsMaxTopApps]
	}
	return apps
}
