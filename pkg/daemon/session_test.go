package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/libscan"
	"github.com/wasteddreams/preheat/pkg/log"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/preload"
	"github.com/wasteddreams/preheat/pkg/proc"
	"github.com/wasteddreams/preheat/pkg/prophet"
)

type sessionFixture struct {
	hook    *SessionHook
	state   *model.State
	runDir  string
	now     int64
	binDir  string
	loader  *preload.Preloader
	procfs  string
	monitor *proc.Monitor
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	logger := log.NewDiscardLogger()
	userConfig := config.GetDefaultConfig()
	conf := &config.AppConfig{UserConfig: &userConfig}

	procfs := t.TempDir()
	writeMeminfo(t, procfs, 16<<20, 8<<20, 8<<20)

	st := model.NewState()
	monitor := proc.NewMonitorAt(logger, conf.UserConfig, procfs)
	prophetEngine := prophet.NewProphet(logger, conf, st)
	loader := preload.NewPreloader(logger, conf, st, monitor)
	t.Cleanup(loader.Stop)
	scanner := libscan.NewScanner(logger)

	f := &sessionFixture{
		state:   st,
		runDir:  t.TempDir(),
		now:     10_000,
		binDir:  t.TempDir(),
		loader:  loader,
		procfs:  procfs,
		monitor: monitor,
	}
	f.hook = NewSessionHook(logger, st, monitor, prophetEngine, loader, scanner, func() int64 { return f.now })
	f.hook.RunUserDir = f.runDir
	return f
}

func writeMeminfo(t *testing.T, procfs string, totalKB, freeKB, availKB uint64) {
	t.Helper()
	content := fmt.Sprintf("MemTotal: %d kB\nMemFree: %d kB\nMemAvailable: %d kB\nBuffers: 0 kB\nCached: 0 kB\n",
		totalKB, freeKB, availKB)
	require.NoError(t, os.WriteFile(filepath.Join(procfs, "meminfo"), []byte(content), 0o644))
}

// login simulates the per-user runtime dir appearing; its mtime is "now".
func (f *sessionFixture) login(t *testing.T, uid string) {
	t.Helper()
	require.NoError(t, os.Mkdir(filepath.Join(f.runDir, uid), 0o700))
}

func (f *sessionFixture) addPriorityExe(path string, weighted float64) *model.Exe {
	exe := f.state.RegisterExe(model.NewExe(path, model.PoolPriority, "manual", 0), false)
	exe.WeightedLaunches = weighted
	return exe
}

func TestSessionBoostAppliesInsideWindow(t *testing.T) {
	f := newSessionFixture(t)
	f.login(t, "1000")

	exes := []*model.Exe{}
	for i := 0; i < 7; i++ {
		exes = append(exes, f.addPriorityExe(fmt.Sprintf("/usr/bin/app%d", i), float64(i)))
	}
	// attach a map so the boost has something to propagate onto
	m := f.state.GetOrCreateMap("/usr/lib/app6.so", 0, 4096)
	f.state.AddExeMap(exes[6], m, 1.0)

	f.now = f.dirCreation(t, "1000") + 10
	f.hook.Apply()

	assert.True(t, f.hook.Active())
	// the top five by weighted launches got the boost, the bottom two didn't
	boosted := 0
	for _, exe := range exes {
		if exe.LnProb == SessionBoost {
			boosted++
		}
	}
	assert.Equal(t, SessionMaxApps, boosted)
	assert.Equal(t, SessionBoost, exes[6].LnProb)
	assert.NotEqual(t, SessionBoost, exes[0].LnProb)

	// the boost reached the exe's maps
	assert.Equal(t, SessionBoost, m.LnProb)
}

func (f *sessionFixture) dirCreation(t *testing.T, uid string) int64 {
	t.Helper()
	info, err := os.Stat(filepath.Join(f.runDir, uid))
	require.NoError(t, err)
	return info.ModTime().Unix()
}

func TestSessionWindowExpires(t *testing.T) {
	f := newSessionFixture(t)
	f.login(t, "1000")
	exe := f.addPriorityExe("/usr/bin/app", 5)

	created := f.dirCreation(t, "1000")
	f.now = created + SessionWindowSeconds + 1
	f.hook.Apply()

	assert.False(t, f.hook.Active())
	assert.NotEqual(t, SessionBoost, exe.LnProb)
}

func TestSessionLateDaemonStartUsesCreationTime(t *testing.T) {
	f := newSessionFixture(t)
	f.login(t, "1000")
	exe := f.addPriorityExe("/usr/bin/app", 5)

	// daemon "starts" ten seconds into the session
	created := f.dirCreation(t, "1000")
	f.now = created + 10
	f.hook.Apply()
	assert.True(t, f.hook.Active())
	assert.Equal(t, SessionBoost, exe.LnProb)
}

func TestSessionSkipsRunningExes(t *testing.T) {
	f := newSessionFixture(t)
	f.login(t, "1000")
	running := f.addPriorityExe("/usr/bin/busy", 10)
	running.RunningPIDs[42] = &model.ProcessInfo{PID: 42}
	idle := f.addPriorityExe("/usr/bin/idle", 5)

	f.now = f.dirCreation(t, "1000") + 10
	f.hook.Apply()

	assert.NotEqual(t, SessionBoost, running.LnProb)
	assert.Equal(t, SessionBoost, idle.LnProb)
}

func TestSessionAbortsUnderMemoryPressure(t *testing.T) {
	f := newSessionFixture(t)
	// ~6% available
	writeMeminfo(t, f.procfs, 16_000_000, 1_000_000, 1_000_000)
	f.login(t, "1000")
	exe := f.addPriorityExe("/usr/bin/app", 5)

	f.now = f.dirCreation(t, "1000") + 10
	f.hook.Apply()

	assert.NotEqual(t, SessionBoost, exe.LnProb)
	assert.Equal(t, int64(1), f.loader.MemoryPressureEvents.Load())
}

func TestSessionDiscoversLibrariesForSeededExe(t *testing.T) {
	f := newSessionFixture(t)
	f.login(t, "1000")

	// a "seeded" exe: a real file on disk but no maps attached
	binary := filepath.Join(f.binDir, "seeded-app")
	require.NoError(t, os.WriteFile(binary, make([]byte, 4096), 0o755))
	exe := f.addPriorityExe(binary, 5)
	require.Zero(t, exe.Size)

	f.now = f.dirCreation(t, "1000") + 10
	f.hook.Apply()

	// the binary itself became a map even though it isn't a real ELF (the
	// library scan fails gracefully)
	key := model.MapKey{Path: binary, Offset: 0, Length: 4096}
	assert.Contains(t, exe.ExeMaps, key)
	assert.Equal(t, uint64(4096), exe.Size)
}

func TestSessionIgnoresObservationPool(t *testing.T) {
	f := newSessionFixture(t)
	f.login(t, "1000")
	obs := f.state.RegisterExe(model.NewExe("/usr/bin/obs", model.PoolObservation, "default", 0), false)
	obs.WeightedLaunches = 100

	f.now = f.dirCreation(t, "1000") + 10
	f.hook.Apply()

	assert.NotEqual(t, SessionBoost, obs.LnProb)
}
