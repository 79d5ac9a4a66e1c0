package spy

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/log"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/proc"
)

type fixture struct {
	spy     *Spy
	state   *model.State
	procfs  string
	bindir  string
	conf    *config.AppConfig
	monitor *proc.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	procfs := t.TempDir()
	bindir := t.TempDir()

	userConfig := config.GetDefaultConfig()
	userConfig.Model.MinSize = 10
	userConfig.Preheat.ShortLivedThreshold = 0
	conf := &config.AppConfig{
		Name:       "preheat",
		UserConfig: &userConfig,
	}

	logger := log.NewDiscardLogger()
	monitor := proc.NewMonitorAt(logger, conf.UserConfig, procfs)
	monitor.ExeFilter = config.PathFilter{bindir + "/"}
	monitor.MapFilter = config.PathFilter{"/usr/", bindir + "/"}
	monitor.TrustFn = func(string) bool { return true }

	state := model.NewState()
	classifier := NewClassifier(logger, conf)
	s := NewSpy(logger, conf, monitor, state, classifier)
	s.NowFn = func() int64 { return 5000 }

	return &fixture{spy: s, state: state, procfs: procfs, bindir: bindir, conf: conf, monitor: monitor}
}

// binary creates a real file standing in for an executable.
func (f *fixture) binary(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(f.bindir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o755))
	return path
}

// process fabricates a procfs entry. startJiffies=100 means started one
// second after (zero) boot with the default 100 ticks.
func (f *fixture) process(t *testing.T, pid int, exe string, ppid int, startJiffies int64, maps string) {
	t.Helper()
	dir := filepath.Join(f.procfs, fmt.Sprintf("%d", pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	link := filepath.Join(dir, "exe")
	os.Remove(link)
	require.NoError(t, os.Symlink(exe, link))
	stat := fmt.Sprintf("%d (%s) S %d 1 1 0 -1 4194560 0 0 0 0 0 0 0 0 20 0 1 0 %d 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n",
		pid, filepath.Base(exe), ppid, startJiffies)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o644))
}

func (f *fixture) kill(t *testing.T, pid int) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(f.procfs, fmt.Sprintf("%d", pid))))
}

func mapsLine(path string) string {
	return fmt.Sprintf("7f0000000000-7f0000100000 r-xp 00000000 08:01 12345 %s\n", path)
}

func TestScanRegistersNewExe(t *testing.T) {
	f := newFixture(t)
	shell := f.binary(t, "bash", 100)
	app := f.binary(t, "editor", 100)
	f.process(t, 1000, shell, 1, 100, "")
	f.process(t, 1001, app, 1000, 100, mapsLine("/usr/lib/libgtk.so"))

	f.spy.Scan()

	exe := f.state.Exes[app]
	require.NotNil(t, exe)
	assert.True(t, exe.IsRunning())
	assert.Equal(t, 1, exe.RawLaunches, "launched from a shell")
	assert.Greater(t, exe.WeightedLaunches, 0.0)
	assert.Contains(t, f.state.RunningExes, app)

	key := model.MapKey{Path: "/usr/lib/libgtk.so", Offset: 0, Length: 0x100000}
	require.Contains(t, exe.ExeMaps, key)
	assert.Equal(t, 1.0, exe.ExeMaps[key].Prob)
	assert.Equal(t, 1, f.state.Maps[key].Refcount)
	assert.Equal(t, uint64(0x100000), exe.Size)
}

func TestScanCountsLaunchesAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	shell := f.binary(t, "bash", 100)
	app := f.binary(t, "editor", 100)
	f.process(t, 1000, shell, 1, 100, "")

	f.process(t, 1001, app, 1000, 100, "")
	f.spy.Scan()
	weightAfterFirst := f.state.Exes[app].WeightedLaunches

	f.kill(t, 1001)
	f.spy.Scan()
	assert.False(t, f.state.Exes[app].IsRunning())
	assert.NotContains(t, f.state.RunningExes, app)

	f.process(t, 1002, app, 1000, 300, "")
	f.spy.Scan()

	exe := f.state.Exes[app]
	assert.Equal(t, 2, exe.RawLaunches)
	assert.Greater(t, exe.WeightedLaunches, weightAfterFirst)
}

func TestScanChildProcessesDoNotCount(t *testing.T) {
	f := newFixture(t)
	shell := f.binary(t, "bash", 100)
	app := f.binary(t, "browser", 100)
	f.process(t, 1000, shell, 1, 100, "")
	f.process(t, 2000, app, 1000, 100, "")
	f.spy.Scan()
	require.Equal(t, 1, f.state.Exes[app].RawLaunches)

	// the browser forks render helpers running the same binary
	f.process(t, 2001, app, 2000, 200, "")
	f.process(t, 2002, app, 2000, 200, "")
	f.spy.Scan()

	exe := f.state.Exes[app]
	assert.Equal(t, 1, exe.RawLaunches, "children of the app itself don't count")
	assert.Len(t, exe.RunningPIDs, 3)
}

func TestScanAccumulatesRunningTime(t *testing.T) {
	f := newFixture(t)
	shell := f.binary(t, "bash", 100)
	app := f.binary(t, "editor", 100)
	f.process(t, 1000, shell, 1, 100, "")
	f.process(t, 1001, app, 1000, 100, "")

	f.spy.Scan()
	f.state.Time += 20
	f.spy.Scan()

	cycle := int64(f.conf.UserConfig.Model.Cycle)
	assert.Equal(t, 2*cycle, f.state.Exes[app].Time)
}

func TestScanRejectsTinyBinary(t *testing.T) {
	f := newFixture(t)
	tiny := f.binary(t, "tiny", 5)
	f.process(t, 1001, tiny, 1, 100, "")

	f.spy.Scan()

	assert.NotContains(t, f.state.Exes, tiny)
	assert.Contains(t, f.state.BadExes, tiny)

	// bad exes are skipped on the next scan without another stat
	f.spy.Scan()
	assert.NotContains(t, f.state.Exes, tiny)
}

func TestScanMarkovTransitions(t *testing.T) {
	f := newFixture(t)
	shell := f.binary(t, "bash", 100)
	a := f.binary(t, "app-a", 100)
	b := f.binary(t, "app-b", 100)
	f.conf.ManualApps = []string{a, b}
	f.spy.classifier = NewClassifier(log.NewDiscardLogger(), f.conf)

	f.process(t, 1000, shell, 1, 100, "")
	f.process(t, 1001, a, 1000, 100, "")
	f.spy.Scan()

	exeA := f.state.Exes[a]
	require.NotNil(t, exeA)
	require.Equal(t, model.PoolPriority, exeA.Pool)

	f.state.Time += 20
	f.process(t, 1002, b, 1000, 2100, "")
	f.spy.Scan()

	exeB := f.state.Exes[b]
	require.Equal(t, model.PoolPriority, exeB.Pool)
	key := model.NewMarkovKey(exeA.Seq, exeB.Seq)
	markov := f.state.Markovs[key]
	require.NotNil(t, markov, "two priority exes share a chain")
	assert.Equal(t, 3, markov.State, "both running")

	// joint running time accrues while in state 3, from the creation scan on
	f.state.Time += 20
	f.spy.Scan()
	assert.Equal(t, int64(40), markov.Time)
}

func TestScanHitAccounting(t *testing.T) {
	f := newFixture(t)
	shell := f.binary(t, "bash", 100)
	app := f.binary(t, "editor", 100)
	f.process(t, 1000, shell, 1, 100, "")

	// exe is known and flagged preloaded, then launches
	f.process(t, 1001, app, 1000, 100, "")
	f.spy.Scan()
	f.kill(t, 1001)
	f.state.Time += 20
	f.spy.Scan()

	exe := f.state.Exes[app]
	exe.Preloaded = true
	f.process(t, 1002, app, 1000, 300, "")
	f.state.Time += 20
	f.spy.Scan()

	assert.Equal(t, 1, exe.Hits)
	assert.False(t, exe.Preloaded)
	assert.Zero(t, exe.Misses)
}

func TestScanMissAccounting(t *testing.T) {
	f := newFixture(t)
	app := f.binary(t, "editor", 100)
	f.process(t, 1001, app, 1, 100, "")
	f.spy.Scan()
	f.kill(t, 1001)
	f.spy.Scan()

	exe := f.state.Exes[app]
	exe.Preloaded = true
	f.state.Time += accountingInterval
	f.spy.Scan()

	assert.Equal(t, 1, exe.Misses)
	assert.False(t, exe.Preloaded)
}

func TestScanSurvivesProcfsFailure(t *testing.T) {
	f := newFixture(t)
	f.monitor.Root = filepath.Join(f.procfs, "gone")
	f.spy.Scan()
	assert.Empty(t, f.state.Exes)
}

func TestAutoFamily(t *testing.T) {
	f := newFixture(t)
	writer := f.binary(t, "libreoffice-writer", 100)
	calc := f.binary(t, "libreoffice-calc", 100)
	f.process(t, 1001, writer, 1, 100, "")
	f.spy.Scan()
	f.process(t, 1002, calc, 1, 200, "")
	f.spy.Scan()

	family := f.state.Families["auto:libreoffice"]
	require.NotNil(t, family)
	assert.ElementsMatch(t, []string{writer, calc}, family.Members)
	assert.Equal(t, model.MethodAuto, family.Method)
}

func TestClassifierPriorityOrder(t *testing.T) {
	dir := t.TempDir()
	manual := filepath.Join(dir, "manual-app")
	require.NoError(t, os.WriteFile(manual, []byte("x"), 0o755))

	userConfig := config.GetDefaultConfig()
	userConfig.System.ExcludedPatterns = "*daemon*;/usr/libexec/*"
	userConfig.System.UserAppPaths = dir
	conf := &config.AppConfig{UserConfig: &userConfig, ManualApps: []string{manual}}
	c := NewClassifier(log.NewDiscardLogger(), conf)

	scenarios := []struct {
		path   string
		pool   model.Pool
		reason string
	}{
		{manual, model.PoolPriority, "manual"},
		{"/usr/bin/mysterious-daemon", model.PoolObservation, "excluded pattern"},
		{"/usr/libexec/helper", model.PoolObservation, "excluded pattern"},
		{filepath.Join(dir, "other-app"), model.PoolPriority, "user app directory"},
		{"/usr/bin/anything", model.PoolObservation, "default"},
	}
	for _, s := range scenarios {
		pool, reason := c.Classify(s.path)
		assert.Equal(t, s.pool, pool, s.path)
		assert.Equal(t, s.reason, reason, s.path)
	}
}

func TestClassifierCatalog(t *testing.T) {
	appsDir := t.TempDir()
	binDir := t.TempDir()
	target := filepath.Join(binDir, "fancyeditor")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o755))

	desktop := fmt.Sprintf("[Desktop Entry]\nName=Fancy\nExec=%s %%U\n", target)
	require.NoError(t, os.WriteFile(filepath.Join(appsDir, "fancy.desktop"), []byte(desktop), 0o644))

	userConfig := config.GetDefaultConfig()
	conf := &config.AppConfig{UserConfig: &userConfig}
	c := NewClassifier(log.NewDiscardLogger(), conf)
	c.RefreshCatalog([]string{appsDir})

	require.Equal(t, 1, c.CatalogSize())
	pool, reason := c.Classify(target)
	assert.Equal(t, model.PoolPriority, pool)
	assert.Equal(t, ".desktop", reason)
}

func TestReclassifyAll(t *testing.T) {
	f := newFixture(t)
	app := f.binary(t, "editor", 100)
	f.process(t, 1001, app, 1, 100, "")
	f.spy.Scan()
	require.Equal(t, model.PoolObservation, f.state.Exes[app].Pool)

	f.conf.ManualApps = []string{app}
	c := NewClassifier(log.NewDiscardLogger(), f.conf)
	changed := c.ReclassifyAll(f.state)

	assert.Equal(t, 1, changed)
	assert.Equal(t, model.PoolPriority, f.state.Exes[app].Pool)
	assert.Equal(t, "manual", f.state.Exes[app].PoolReason)
}
