// Package daemon is the runtime shell around the engine: the tick loop that
// drives scan, predict and preload, the autosave timer, signal handling,
// single-instance enforcement, the pause sentinel and the stats endpoint.
// The model is only ever mutated from the loop goroutine; signal handlers
// merely push onto a channel consumed at loop boundaries.
package daemon

import (
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/preload"
	"github.com/wasteddreams/preheat/pkg/proc"
	"github.com/wasteddreams/preheat/pkg/prophet"
	"github.com/wasteddreams/preheat/pkg/spy"
	"github.com/wasteddreams/preheat/pkg/state"
)

// PIDFileName sits in the state directory for the daemon's lifetime.
const PIDFileName = "preheat.pid"

// Daemon drives the whole engine.
type Daemon struct {
	log        *logrus.Entry
	conf       *config.AppConfig
	state      *model.State
	monitor    *proc.Monitor
	spy        *spy.Spy
	classifier *spy.Classifier
	prophet    *prophet.Prophet
	preloader  *preload.Preloader
	store      *state.Store
	session    *SessionHook
	stats      *StatsWriter

	// NowFn returns epoch seconds; tests pin it
	NowFn func() int64

	stopRequested bool
}

// NewDaemon wires the runtime over already-constructed subsystems.
func NewDaemon(log *logrus.Entry, conf *config.AppConfig, st *model.State, monitor *proc.Monitor,
	scanner *spy.Spy, classifier *spy.Classifier, prophetEngine *prophet.Prophet,
	preloader *preload.Preloader, store *state.Store, session *SessionHook, stats *StatsWriter,
) *Daemon {
	return &Daemon{
		log:        log,
		conf:       conf,
		state:      st,
		monitor:    monitor,
		spy:        scanner,
		classifier: classifier,
		prophet:    prophetEngine,
		preloader:  preloader,
		store:      store,
		session:    session,
		stats:      stats,
		NowFn:      func() int64 { return time.Now().Unix() },
	}
}

// Run acquires the instance lock and spins the event loop until a shutdown
// signal arrives. The final save runs before return.
func (d *Daemon) Run() error {
	pidfile, err := AcquirePIDFile(filepath.Join(d.conf.StateDir, PIDFileName))
	if err != nil {
		return err
	}
	defer pidfile.Release()

	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	cycle := time.Duration(d.conf.UserConfig.Model.Cycle) * time.Second
	tick := time.NewTicker(cycle)
	defer tick.Stop()
	autosave := time.NewTicker(time.Duration(d.conf.UserConfig.System.Autosave) * time.Second)
	defer autosave.Stop()

	d.log.WithFields(logrus.Fields{
		"cycle":    cycle,
		"autosave": d.conf.UserConfig.System.Autosave,
		"stateDir": d.conf.StateDir,
	}).Info("preheat running")

	for {
		select {
		case <-tick.C:
			d.Tick()
		case <-autosave.C:
			d.Autosave()
		case sig := <-sigs:
			d.handleSignal(sig)
		}
		if d.stopRequested {
			break
		}
	}

	d.shutdown()
	return nil
}

// Tick is one full cycle: scan and update in the first half, predict and
// preload in the second. Model time advances a half-cycle around each.
func (d *Daemon) Tick() {
	st := d.state
	st.Mu.Lock()

	system := d.conf.UserConfig.System
	cycle := int64(d.conf.UserConfig.Model.Cycle)

	if config.BoolOr(system.DoScan, true) {
		d.spy.Scan()
	}
	st.Time += cycle / 2

	if config.BoolOr(system.DoPredict, true) {
		d.prophet.Predict()
		d.session.Apply()
		if d.Paused() {
			d.log.Debug("paused, preload skipped")
		} else {
			d.preloader.Preload()
		}
	}
	st.Time += (cycle + 1) / 2

	st.Mu.Unlock()
	d.stats.MaybeRefresh()
}

// Autosave evicts stale entries and persists the model. The loop blocks for
// the duration, which also means no reload can interleave with a save.
func (d *Daemon) Autosave() {
	st := d.state
	st.Mu.Lock()
	defer st.Mu.Unlock()

	for _, path := range st.EvictStale(st.Time) {
		d.log.WithField("exe", path).Debug("evicted stale exe")
	}
	d.saveLocked()
}

func (d *Daemon) saveLocked() {
	if err := d.store.Save(d.state); err != nil {
		d.log.WithError(err).Warn("state save failed")
		return
	}
	d.log.WithField("path", d.store.Path()).Debug("state saved")
}

func (d *Daemon) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		d.reloadConfig()
	case syscall.SIGUSR1:
		d.DumpState()
		d.stats.Refresh()
	case syscall.SIGUSR2:
		d.state.Mu.Lock()
		d.saveLocked()
		d.state.Mu.Unlock()
	case syscall.SIGTERM, syscall.SIGINT:
		d.log.WithField("signal", sig.String()).Info("shutdown requested")
		d.stopRequested = true
	}
}

// reloadConfig re-reads the config file and pushes the derived settings
// into the subsystems, then reclassifies retroactively.
func (d *Daemon) reloadConfig() {
	if err := d.conf.Reload(); err != nil {
		d.log.WithError(err).Warn("config reload failed, keeping previous config")
		return
	}
	for _, warning := range d.conf.Warnings {
		d.log.Warn(warning)
	}

	st := d.state
	st.Mu.Lock()
	defer st.Mu.Unlock()

	system := d.conf.UserConfig.System
	d.monitor.ExeFilter = config.PathFilter(system.ExePrefix)
	d.monitor.MapFilter = config.PathFilter(system.MapPrefix)
	d.monitor.MinSize = d.conf.UserConfig.Model.MinSize

	d.classifier.Update(d.conf)
	changed := d.classifier.ReclassifyAll(st)
	if changed > 0 {
		st.BuildPriorityMesh(model.PriorityMeshCap)
	}

	for id, members := range d.conf.UserConfig.Families {
		st.AddFamily(id, splitSemicolons(members), model.MethodConfig)
	}

	d.log.WithField("reclassified", changed).Info("configuration reloaded")
}

func splitSemicolons(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// shutdown finishes the current obligations: one final save, stats flush,
// worker teardown.
func (d *Daemon) shutdown() {
	d.state.Mu.Lock()
	d.saveLocked()
	d.state.Mu.Unlock()

	d.stats.Refresh()
	d.stats.Stop()
	d.preloader.Stop()
	d.log.Info("preheat stopped")
}
