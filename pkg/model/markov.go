package model

import "math"

// MarkovKey identifies the chain for an unordered pair of exes by their
// sequence numbers, smaller first. Exes hold keys, never chain pointers, so
// there is no cyclic ownership between the two collections.
type MarkovKey struct {
	A int
	B int
}

// NewMarkovKey normalises the pair ordering.
func NewMarkovKey(a, b int) MarkovKey {
	if a > b {
		a, b = b, a
	}
	return MarkovKey{A: a, B: b}
}

// Markov tracks the joint running state of two exes as a four-state chain:
// bit 0 set means A is running, bit 1 set means B is running.
type Markov struct {
	Key MarkovKey

	// Time is the total model seconds both endpoints have been tracked
	// jointly running. 64-bit: it accumulates across restarts
	Time int64

	State           int
	ChangeTimestamp int64

	// TimeToLeave is the running mean of seconds spent in each state
	// before leaving it
	TimeToLeave [4]float64

	// Weight counts transitions from state i to state j; Weight[i][i]
	// stores the number of times state i was left
	Weight [4][4]uint64
}

// markovState computes the current joint state from the endpoints.
func markovState(a, b *Exe) int {
	state := 0
	if a.IsRunning() {
		state |= 1
	}
	if b.IsRunning() {
		state |= 2
	}
	return state
}

// newMarkov builds a chain for two registered exes and links it from both
// ends. The change timestamp starts at the earlier of the endpoints' own
// transition times so the first time_to_leave sample isn't inflated.
func (s *State) newMarkov(a, b *Exe) *Markov {
	key := NewMarkovKey(a.Seq, b.Seq)
	if existing, ok := s.Markovs[key]; ok {
		return existing
	}

	cts := s.Time
	if a.ChangeTimestamp > 0 && a.ChangeTimestamp < cts {
		cts = a.ChangeTimestamp
	}
	if b.ChangeTimestamp > 0 && b.ChangeTimestamp < cts {
		cts = b.ChangeTimestamp
	}

	markov := &Markov{
		Key:             key,
		State:           markovState(a, b),
		ChangeTimestamp: cts,
	}
	s.Markovs[key] = markov
	a.Markovs[key] = struct{}{}
	b.Markovs[key] = struct{}{}
	s.ModelDirty = true
	return markov
}

// MarkovStateChanged is called whenever either endpoint changes running
// status. Updates within one tick coalesce, and a same-state notification is
// tolerated rather than asserted on: scans can race process churn.
func (s *State) MarkovStateChanged(markov *Markov) {
	if markov.ChangeTimestamp == s.Time {
		return
	}
	a, b := s.exeBySeq[markov.Key.A], s.exeBySeq[markov.Key.B]
	if a == nil || b == nil {
		return
	}
	newState := markovState(a, b)
	if newState == markov.State {
		return
	}

	old := markov.State
	markov.Weight[old][old]++
	elapsed := float64(s.Time - markov.ChangeTimestamp)
	markov.TimeToLeave[old] += (elapsed - markov.TimeToLeave[old]) / float64(markov.Weight[old][old])

	markov.Weight[old][newState]++
	markov.State = newState
	markov.ChangeTimestamp = s.Time
	s.Dirty = true
}

// Correlation computes the correlation coefficient between the two endpoints
// being observed running, in [-1, 1]. Degenerate marginals and arithmetic
// overflow on very long uptimes yield 0.
func (s *State) Correlation(markov *Markov) float64 {
	a, b := s.exeBySeq[markov.Key.A], s.exeBySeq[markov.Key.B]
	if a == nil || b == nil {
		return 0
	}

	t := s.Time
	at, bt, ab := a.Time, b.Time, markov.Time
	if at == 0 || at == t || bt == 0 || bt == t {
		return 0
	}

	num := float64(t)*float64(ab) - float64(at)*float64(bt)
	den2 := float64(at) * float64(bt) * float64(t-at) * float64(t-bt)
	if den2 <= 0 {
		return 0
	}
	corr := num / math.Sqrt(den2)
	return math.Max(-1, math.Min(1, corr))
}

// PriorityMeshCap bounds how many priority exes participate in the pairwise
// mesh; beyond it the O(n^2) chain count stops being worth the memory.
const PriorityMeshCap = 100

// BuildPriorityMesh creates the missing chains between all pairs of
// PRIORITY-pool exes, capped to keep the O(n^2) mesh bounded. Pairs that
// already have a chain are skipped. Used once after seeding; regular
// registration keeps the mesh complete from then on.
func (s *State) BuildPriorityMesh(cap int) int {
	priority := []*Exe{}
	for _, exe := range s.sortedExes() {
		if exe.Pool == PoolPriority {
			priority = append(priority, exe)
			if len(priority) == cap {
				break
			}
		}
	}

	created := 0
	for i, a := range priority {
		for _, b := range priority[i+1:] {
			key := NewMarkovKey(a.Seq, b.Seq)
			if _, ok := s.Markovs[key]; ok {
				continue
			}
			s.newMarkov(a, b)
			created++
		}
	}
	return created
}
