package model

// Pool is the coarse classification of an exe. Only PRIORITY exes are
// eligible for preloading and pairwise Markov tracking; OBSERVATION exes are
// tracked so that a later reclassification can promote them with history
// intact.
type Pool int

const (
	PoolObservation Pool = iota
	PoolPriority
)

func (p Pool) String() string {
	if p == PoolPriority {
		return "PRIORITY"
	}
	return "OBSERVATION"
}

// ProcessInfo is one live PID attached to an exe.
type ProcessInfo struct {
	PID              int
	ParentPID        int
	StartTime        int64 // epoch seconds
	LastWeightUpdate int64
	UserInitiated    bool
}

// Exe is a tracked executable, keyed by absolute canonical path.
type Exe struct {
	Path string
	Seq  int
	Pool Pool

	// PoolReason records why the classifier picked the pool, for the dump
	PoolReason string

	// Time is the accumulated seconds this exe has been observed running
	Time int64

	WeightedLaunches float64
	RawLaunches      int
	TotalDurationSec int64

	UpdateTime       int64
	RunningTimestamp int64

	// ChangeTimestamp is the model time of the last running<->not-running
	// transition
	ChangeTimestamp int64

	ExeMaps     map[MapKey]*ExeMap
	Markovs     map[MarkovKey]struct{}
	RunningPIDs map[int]*ProcessInfo

	// LnProb is the predicted log-probability of NOT being needed next
	// cycle
	LnProb float64

	// Size is the sum of this exe's map lengths, maintained by AddExeMap
	// and RemoveExeMap
	Size uint64

	// Preloaded marks that some of this exe's maps were read ahead since
	// the last hit/miss accounting; Hits and Misses tally how the
	// prediction fared
	Preloaded bool
	Hits      int
	Misses    int
}

// NewExe returns an unregistered exe for a path.
func NewExe(path string, pool Pool, reason string, now int64) *Exe {
	return &Exe{
		Path:        path,
		Pool:        pool,
		PoolReason:  reason,
		UpdateTime:  now,
		ExeMaps:     map[MapKey]*ExeMap{},
		Markovs:     map[MarkovKey]struct{}{},
		RunningPIDs: map[int]*ProcessInfo{},
	}
}

// IsRunning reports whether any live PID is attached.
func (e *Exe) IsRunning() bool {
	return len(e.RunningPIDs) > 0
}
