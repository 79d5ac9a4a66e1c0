// Package model owns the learned state: tracked executables, mapped file
// regions, the associations between them, pairwise Markov chains and app
// families. It enforces the bookkeeping invariants (sequence numbers,
// refcounts, mesh symmetry); the scanner, predictor and preloader only go
// through its methods. Mutation happens on the daemon's event loop; readers
// off the loop take the read lock.
package model

import (
	"sort"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/wasteddreams/preheat/pkg/proc"
)

// soft cap on the exe table; beyond it the autosave path evicts dead wood
const (
	ExeTableSoftCap   = 1500
	evictAfterSeconds = 30 * 24 * 3600
)

// State is the whole learned model.
type State struct {
	Mu deadlock.RWMutex

	// Time is the monotonic model time in seconds, accumulated across
	// restarts. It never decreases
	Time int64

	Exes        map[string]*Exe
	Maps        map[MapKey]*Map
	MapsOrdered []*Map
	BadExes     map[string]int64
	RunningExes map[string]struct{}
	Markovs     map[MarkovKey]*Markov
	Families    map[string]*Family
	ExeToFamily map[string]string

	LastRunningTimestamp    int64
	LastAccountingTimestamp int64

	MemStat          proc.MemStat
	MemStatTimestamp int64

	// Dirty marks unsaved counter changes; ModelDirty marks structural
	// changes (new exes, maps or chains)
	Dirty      bool
	ModelDirty bool

	MapSeq int
	ExeSeq int

	exeBySeq map[int]*Exe
}

// NewState returns an empty model.
func NewState() *State {
	return &State{
		Exes:        map[string]*Exe{},
		Maps:        map[MapKey]*Map{},
		BadExes:     map[string]int64{},
		RunningExes: map[string]struct{}{},
		Markovs:     map[MarkovKey]*Markov{},
		Families:    map[string]*Family{},
		ExeToFamily: map[string]string{},
		exeBySeq:    map[int]*Exe{},
	}
}

// RegisterMap inserts a map into the model, assigning the next sequence
// number unless the loader already set one. Idempotent per key.
func (s *State) RegisterMap(m *Map) *Map {
	if existing, ok := s.Maps[m.MapKey]; ok {
		return existing
	}
	if m.Seq == 0 {
		s.MapSeq++
		m.Seq = s.MapSeq
	} else if m.Seq > s.MapSeq {
		s.MapSeq = m.Seq
	}
	s.Maps[m.MapKey] = m
	s.MapsOrdered = append(s.MapsOrdered, m)
	s.ModelDirty = true
	return m
}

func (s *State) unregisterMap(m *Map) {
	delete(s.Maps, m.MapKey)
	for i, other := range s.MapsOrdered {
		if other == m {
			s.MapsOrdered = append(s.MapsOrdered[:i], s.MapsOrdered[i+1:]...)
			break
		}
	}
	s.ModelDirty = true
}

// RegisterExe inserts an exe, assigning the next sequence number unless the
// loader already set one. When withMarkovs is set and the exe lands in the
// priority pool, chains to every other priority exe are created on the spot;
// seeded and observation exes skip chain creation.
func (s *State) RegisterExe(exe *Exe, withMarkovs bool) *Exe {
	if existing, ok := s.Exes[exe.Path]; ok {
		return existing
	}
	if exe.Seq == 0 {
		s.ExeSeq++
		exe.Seq = s.ExeSeq
	} else if exe.Seq > s.ExeSeq {
		s.ExeSeq = exe.Seq
	}
	s.Exes[exe.Path] = exe
	s.exeBySeq[exe.Seq] = exe

	if withMarkovs && exe.Pool == PoolPriority {
		for _, other := range s.Exes {
			if other != exe && other.Pool == PoolPriority {
				s.newMarkov(exe, other)
			}
		}
	}
	s.ModelDirty = true
	return exe
}

// ExeBySeq resolves a sequence number, or nil.
func (s *State) ExeBySeq(seq int) *Exe {
	return s.exeBySeq[seq]
}

// GetOrCreateMap looks up the region, registering a fresh map when unseen.
func (s *State) GetOrCreateMap(path string, offset, length uint64) *Map {
	key := MapKey{Path: path, Offset: offset, Length: length}
	if m, ok := s.Maps[key]; ok {
		return m
	}
	return s.RegisterMap(NewMap(path, offset, length, s.Time))
}

// AddExeMap attaches a map to an exe with the given use probability,
// bumping the map's refcount. No-op when already attached.
func (s *State) AddExeMap(exe *Exe, m *Map, prob float64) {
	if _, ok := exe.ExeMaps[m.MapKey]; ok {
		return
	}
	exe.ExeMaps[m.MapKey] = &ExeMap{Map: m, Prob: prob}
	m.Refcount++
	exe.Size += m.Length
	s.ModelDirty = true
}

// RemoveExeMap detaches a map from an exe. When the last reference drops,
// the map leaves the model.
func (s *State) RemoveExeMap(exe *Exe, key MapKey) {
	exemap, ok := exe.ExeMaps[key]
	if !ok {
		return
	}
	delete(exe.ExeMaps, key)
	exe.Size -= exemap.Map.Length
	exemap.Map.Refcount--
	if exemap.Map.Refcount <= 0 {
		s.unregisterMap(exemap.Map)
	}
	s.ModelDirty = true
}

// removeExe drops an exe and everything hanging off it: exemaps (with their
// refcounts), chains from both ends, running set and seq index. Family
// member lists keep the path; aggregates simply stop counting it.
func (s *State) removeExe(exe *Exe) {
	for key := range exe.ExeMaps {
		s.RemoveExeMap(exe, key)
	}
	for key := range exe.Markovs {
		delete(s.Markovs, key)
		if other := s.exeBySeq[key.A]; other != nil && other != exe {
			delete(other.Markovs, key)
		}
		if other := s.exeBySeq[key.B]; other != nil && other != exe {
			delete(other.Markovs, key)
		}
	}
	delete(s.RunningExes, exe.Path)
	delete(s.exeBySeq, exe.Seq)
	delete(s.Exes, exe.Path)
	s.ModelDirty = true
}

// EvictStale trims the exe table down once it exceeds the soft cap: exes
// with zero weighted launches not seen for thirty days of model time go
// first. Invoked on the autosave path. Returns the evicted paths for
// logging.
func (s *State) EvictStale(now int64) []string {
	if len(s.Exes) <= ExeTableSoftCap {
		return nil
	}

	evicted := []string{}
	for _, exe := range s.sortedExes() {
		if len(s.Exes) <= ExeTableSoftCap {
			break
		}
		if exe.WeightedLaunches > 0 || exe.IsRunning() {
			continue
		}
		if now-exe.UpdateTime < evictAfterSeconds {
			continue
		}
		s.removeExe(exe)
		evicted = append(evicted, exe.Path)
	}
	return evicted
}

// MarkBadExe records a rejected path. The table is cleared on every save so
// rejects get another chance next run.
func (s *State) MarkBadExe(path string, updateTime int64) {
	s.BadExes[path] = updateTime
}

// ClearBadExes empties the reject table, after a save.
func (s *State) ClearBadExes() {
	s.BadExes = map[string]int64{}
}

// sortedExes returns the exes ordered by sequence number, for deterministic
// iteration.
func (s *State) sortedExes() []*Exe {
	exes := make([]*Exe, 0, len(s.Exes))
	for _, exe := range s.Exes {
		exes = append(exes, exe)
	}
	sort.Slice(exes, func(i, j int) bool { return exes[i].Seq < exes[j].Seq })
	return exes
}

// SortedExes is the exported deterministic iteration order, used by
// persistence and the stats endpoint.
func (s *State) SortedExes() []*Exe {
	return s.sortedExes()
}

// SortedMarkovs returns chains in key order, for deterministic serialization.
func (s *State) SortedMarkovs() []*Markov {
	markovs := make([]*Markov, 0, len(s.Markovs))
	for _, markov := range s.Markovs {
		markovs = append(markovs, markov)
	}
	sort.Slice(markovs, func(i, j int) bool {
		if markovs[i].Key.A != markovs[j].Key.A {
			return markovs[i].Key.A < markovs[j].Key.A
		}
		return markovs[i].Key.B < markovs[j].Key.B
	})
	return markovs
}

// SortedFamilies returns families in id order.
func (s *State) SortedFamilies() []*Family {
	families := make([]*Family, 0, len(s.Families))
	for _, family := range s.Families {
		families = append(families, family)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].ID < families[j].ID })
	return families
}
