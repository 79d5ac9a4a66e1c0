package model

import "github.com/samber/lo"

// FamilyMethod records how a family came to exist.
type FamilyMethod int

const (
	MethodConfig FamilyMethod = iota
	MethodAuto
	MethodManual
)

func (m FamilyMethod) String() string {
	switch m {
	case MethodConfig:
		return "config"
	case MethodAuto:
		return "auto"
	default:
		return "manual"
	}
}

// Family is a named group of exe paths whose statistics are aggregated for
// ranking. It never alters the per-exe model.
type Family struct {
	ID      string
	Members []string
	Method  FamilyMethod
}

// FamilyStats are the computed-on-demand aggregates of a family.
type FamilyStats struct {
	TotalWeightedLaunches float64
	TotalRawLaunches      int
	LastUsed              int64
}

// AddFamily registers a family. A duplicate id is rejected (the existing
// family wins); a member already claimed by another family is dropped from
// the new one.
func (s *State) AddFamily(id string, members []string, method FamilyMethod) *Family {
	if existing, ok := s.Families[id]; ok {
		return existing
	}

	family := &Family{ID: id, Method: method}
	for _, member := range lo.Uniq(members) {
		if owner, claimed := s.ExeToFamily[member]; claimed && owner != id {
			continue
		}
		family.Members = append(family.Members, member)
		s.ExeToFamily[member] = id
	}

	s.Families[id] = family
	s.ModelDirty = true
	return family
}

// ExtendFamily adds a member to an existing family, keeping the
// exe-to-family index consistent.
func (s *State) ExtendFamily(id, member string) bool {
	family, ok := s.Families[id]
	if !ok {
		return false
	}
	if owner, claimed := s.ExeToFamily[member]; claimed {
		return owner == id
	}
	family.Members = append(family.Members, member)
	s.ExeToFamily[member] = id
	s.ModelDirty = true
	return true
}

// Stats aggregates over the members currently present in the model.
func (f *Family) Stats(s *State) FamilyStats {
	stats := FamilyStats{}
	for _, member := range f.Members {
		exe, ok := s.Exes[member]
		if !ok {
			continue
		}
		stats.TotalWeightedLaunches += exe.WeightedLaunches
		stats.TotalRawLaunches += exe.RawLaunches
		if exe.RunningTimestamp > stats.LastUsed {
			stats.LastUsed = exe.RunningTimestamp
		}
	}
	return stats
}
