package state

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasteddreams/preheat/pkg/log"
	"github.com/wasteddreams/preheat/pkg/model"
)

type fakePIDs struct {
	alive map[int]string
}

func (f fakePIDs) Exists(pid int) bool {
	_, ok := f.alive[pid]
	return ok
}

func (f fakePIDs) ExePath(pid int) (string, error) {
	path, ok := f.alive[pid]
	if !ok {
		return "", errors.New("no such process")
	}
	return path, nil
}

func newTestStore(t *testing.T, pids fakePIDs) *Store {
	t.Helper()
	return NewStore(log.NewDiscardLogger(), t.TempDir(), pids)
}

// buildModel assembles a model exercising every record type.
func buildModel() *model.State {
	st := model.NewState()
	st.Time = 12345

	firefox := model.NewExe("/usr/bin/firefox", model.PoolPriority, "manual", 100)
	firefox.Time = 4000
	firefox.WeightedLaunches = 7.25
	firefox.RawLaunches = 5
	firefox.TotalDurationSec = 3600
	st.RegisterExe(firefox, false)
	firefox.RunningPIDs[4242] = &model.ProcessInfo{
		PID: 4242, StartTime: 1_700_000_100, LastWeightUpdate: 1_700_000_200, UserInitiated: true,
	}
	st.RunningExes[firefox.Path] = struct{}{}

	code := model.NewExe("/usr/bin/code", model.PoolPriority, ".desktop", 200)
	code.Time = 2000
	code.WeightedLaunches = 3.5
	code.RawLaunches = 2
	st.RegisterExe(code, false)

	watcher := model.NewExe("/usr/libexec/watcher", model.PoolObservation, "default", 300)
	st.RegisterExe(watcher, false)

	libgtk := st.GetOrCreateMap("/usr/lib/libgtk-4.so.1", 0, 8<<20)
	libmozilla := st.GetOrCreateMap("/usr/lib/firefox/libxul.so", 4096, 120<<20)
	st.AddExeMap(firefox, libgtk, 1.0)
	st.AddExeMap(firefox, libmozilla, 0.75)
	st.AddExeMap(code, libgtk, 1.0)

	st.BuildPriorityMesh(100)
	markov := st.Markovs[model.NewMarkovKey(firefox.Seq, code.Seq)]
	markov.Time = 555
	markov.TimeToLeave = [4]float64{1.5, 2, 0, 42.25}
	markov.Weight[0][0] = 3
	markov.Weight[0][1] = 2
	markov.Weight[3][2] = 1

	st.AddFamily("editors", []string{"/usr/bin/code"}, model.MethodConfig)
	st.MarkBadExe("/usr/bin/tiny", 50)

	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	pids := fakePIDs{alive: map[int]string{4242: "/usr/bin/firefox"}}
	store := newTestStore(t, pids)

	st := buildModel()
	require.NoError(t, store.Save(st))

	loaded := store.Load()
	assert.Equal(t, st.Time, loaded.Time)
	require.Len(t, loaded.Exes, len(st.Exes))

	for path, exe := range st.Exes {
		got, ok := loaded.Exes[path]
		require.True(t, ok, path)
		assert.Equal(t, exe.Seq, got.Seq)
		assert.Equal(t, exe.Pool, got.Pool)
		assert.InDelta(t, exe.WeightedLaunches, got.WeightedLaunches, 1e-12)
		assert.Equal(t, exe.RawLaunches, got.RawLaunches)
		assert.Equal(t, exe.TotalDurationSec, got.TotalDurationSec)
		assert.Equal(t, exe.Time, got.Time)
		assert.Equal(t, exe.Size, got.Size, "size rebuilt from exemaps")
	}

	require.Len(t, loaded.Maps, len(st.Maps))
	for key, m := range st.Maps {
		got := loaded.Maps[key]
		require.NotNil(t, got, "%v", key)
		assert.Equal(t, m.Seq, got.Seq)
		assert.Equal(t, m.Refcount, got.Refcount)
	}

	// the verified PID survived and the running set was rebuilt
	firefox := loaded.Exes["/usr/bin/firefox"]
	require.Contains(t, firefox.RunningPIDs, 4242)
	assert.True(t, firefox.RunningPIDs[4242].UserInitiated)
	assert.Contains(t, loaded.RunningExes, "/usr/bin/firefox")

	// markov round-trip including the weight matrix
	key := model.NewMarkovKey(firefox.Seq, loaded.Exes["/usr/bin/code"].Seq)
	markov := loaded.Markovs[key]
	require.NotNil(t, markov)
	assert.Equal(t, int64(555), markov.Time)
	assert.Equal(t, 42.25, markov.TimeToLeave[3])
	assert.Equal(t, uint64(2), markov.Weight[0][1])
	assert.Contains(t, firefox.Markovs, key)

	assert.Equal(t, []string{"/usr/bin/code"}, loaded.Families["editors"].Members)
	assert.Equal(t, "editors", loaded.ExeToFamily["/usr/bin/code"])

	// bad exes are written before the save clears the in-memory table, so
	// they round-trip
	assert.Contains(t, loaded.BadExes, "/usr/bin/tiny")
}

func TestSaveIsDeterministic(t *testing.T) {
	pids := fakePIDs{alive: map[int]string{4242: "/usr/bin/firefox"}}
	store := newTestStore(t, pids)

	require.NoError(t, store.Save(buildModel()))
	first, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	require.NoError(t, store.Save(buildModel()))
	second, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	if string(first) != string(second) {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:       difflib.SplitLines(string(first)),
			B:       difflib.SplitLines(string(second)),
			Context: 2,
		})
		t.Fatalf("non-deterministic save:\n%s", diff)
	}
}

func TestSaveClearsDirtyAndBadExes(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	st := buildModel()
	st.Dirty = true
	st.ModelDirty = true

	require.NoError(t, store.Save(st))
	assert.False(t, st.Dirty)
	assert.False(t, st.ModelDirty)
	assert.Empty(t, st.BadExes)

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// the temp artifact is gone
	_, err = os.Stat(store.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFileIsFirstRun(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	st := store.Load()
	assert.Empty(t, st.Exes)
	assert.Zero(t, st.Time)
}

func TestLoadDropsDeadPIDs(t *testing.T) {
	store := newTestStore(t, fakePIDs{alive: map[int]string{
		// 4242 is gone entirely; 5555 was recycled by another binary
		5555: "/usr/bin/other",
	}})
	st := buildModel()
	st.Exes["/usr/bin/firefox"].RunningPIDs[5555] = &model.ProcessInfo{PID: 5555, StartTime: 1}
	require.NoError(t, store.Save(st))

	loaded := store.Load()
	assert.Empty(t, loaded.Exes["/usr/bin/firefox"].RunningPIDs)
	assert.NotContains(t, loaded.RunningExes, "/usr/bin/firefox")
}

func TestLoadCRCGuard(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	require.NoError(t, store.Save(buildModel()))

	// flip a single bit in the body
	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	content[20] ^= 0x01
	require.NoError(t, os.WriteFile(store.Path(), content, 0o600))

	loaded := store.Load()
	assert.Empty(t, loaded.Exes, "bit flip falls back to empty state")

	// the original was quarantined with a timestamp suffix
	matches, err := filepath.Glob(store.Path() + ".broken.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// and the next save produces a loadable file again
	require.NoError(t, store.Save(buildModel()))
	assert.NotEmpty(t, store.Load().Exes)
}

func TestLoadZeroedCRC(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	require.NoError(t, store.Save(buildModel()))

	content, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	text := string(content)
	idx := strings.LastIndex(text, "CRC32\t")
	text = text[:idx] + "CRC32\t00000000\n"
	require.NoError(t, os.WriteFile(store.Path(), []byte(text), 0o600))

	loaded := store.Load()
	assert.Empty(t, loaded.Exes)
}

func TestLoadDuplicateFamilyDropped(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	lines := strings.Join([]string{
		"PRELOAD\t1.2\t100",
		"FAMILY\teditors\t0\t/usr/bin/vim",
		"FAMILY\teditors\t0\t/usr/bin/vim",
	}, "\n") + "\n"
	writeWithCRC(t, store.Path(), lines)

	loaded := store.Load()
	require.Len(t, loaded.Families, 1)
	assert.Equal(t, []string{"/usr/bin/vim"}, loaded.Families["editors"].Members)
}

func TestLoadLegacyExeWidths(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	lines := strings.Join([]string{
		"PRELOAD\t1.2\t100",
		"EXE\t1\t10\t40\t-1\tfile:///usr/bin/legacy5",
		"EXE\t2\t20\t50\t-1\t1\tfile:///usr/bin/legacy6",
	}, "\n") + "\n"
	writeWithCRC(t, store.Path(), lines)

	loaded := store.Load()
	require.Len(t, loaded.Exes, 2)

	five := loaded.Exes["/usr/bin/legacy5"]
	assert.Equal(t, model.PoolObservation, five.Pool, "pool defaults to observation")
	assert.Zero(t, five.WeightedLaunches)
	assert.Zero(t, five.RawLaunches)
	assert.Equal(t, int64(40), five.Time)

	six := loaded.Exes["/usr/bin/legacy6"]
	assert.Equal(t, model.PoolPriority, six.Pool)
	assert.Zero(t, six.RawLaunches)
}

func TestLoadRejectsNewerMajor(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	writeWithCRC(t, store.Path(), "PRELOAD\t2.0\t100\n")

	loaded := store.Load()
	assert.Empty(t, loaded.Exes)
	assert.Zero(t, loaded.Time)

	// the file is from the future, not corrupt: left in place
	_, err := os.Stat(store.Path())
	assert.NoError(t, err)
	matches, _ := filepath.Glob(store.Path() + ".broken.*")
	assert.Empty(t, matches)
}

func TestLoadAcceptsNewerMinor(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	writeWithCRC(t, store.Path(), "PRELOAD\t1.9\t4321\n")

	loaded := store.Load()
	assert.Equal(t, int64(4321), loaded.Time)
}

func TestLoadBrokenReferenceRecovers(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	lines := strings.Join([]string{
		"PRELOAD\t1.2\t100",
		"EXEMAP\t7\t9\t1",
	}, "\n") + "\n"
	writeWithCRC(t, store.Path(), lines)

	loaded := store.Load()
	assert.Empty(t, loaded.Exes)

	matches, _ := filepath.Glob(store.Path() + ".broken.*")
	assert.Len(t, matches, 1)
}

func TestLoadGarbageRecovers(t *testing.T) {
	store := newTestStore(t, fakePIDs{})
	require.NoError(t, os.WriteFile(store.Path(), []byte("not a state file at all\n"), 0o600))

	loaded := store.Load()
	assert.Empty(t, loaded.Exes)
}

func TestRefcountClosureAfterRoundTrip(t *testing.T) {
	pids := fakePIDs{alive: map[int]string{4242: "/usr/bin/firefox"}}
	store := newTestStore(t, pids)
	require.NoError(t, store.Save(buildModel()))
	loaded := store.Load()

	counts := map[model.MapKey]int{}
	for _, exe := range loaded.Exes {
		for key := range exe.ExeMaps {
			counts[key]++
		}
	}
	for key, m := range loaded.Maps {
		assert.Equal(t, counts[key], m.Refcount, "map %v", key)
		assert.Positive(t, m.Refcount)
	}
}

// writeWithCRC appends a correct footer so only the semantics under test can
// fail.
func writeWithCRC(t *testing.T, path, body string) {
	t.Helper()
	sum := crc32Of(body)
	require.NoError(t, os.WriteFile(path, []byte(body+sum), 0o600))
}

func crc32Of(body string) string {
	return fmt.Sprintf("CRC32\t%08X\n", crc32.ChecksumIEEE([]byte(body)))
}
