package daemon

import (
	"fmt"
	"sort"

	"github.com/davecgh/go-spew/spew"

	"github.com/wasteddreams/preheat/pkg/utils"
)

// DumpState writes a human-readable model summary into the log. Triggered
// by SIGUSR1 alongside a stats refresh.
func (d *Daemon) DumpState() {
	st := d.state
	st.Mu.RLock()
	defer st.Mu.RUnlock()

	d.log.Infof("model time %ds, %d exes, %d maps, %d markov chains, %d families, %d running",
		st.Time, len(st.Exes), len(st.Maps), len(st.Markovs), len(st.Families), len(st.RunningExes))

	exes := st.SortedExes()
	sort.SliceStable(exes, func(i, j int) bool {
		return exes[i].WeightedLaunches > exes[j].WeightedLaunches
	})
	if len(exes) > 10 {
		exes = exes[:10]
	}

	rows := [][]string{{"EXE", "POOL", "REASON", "WEIGHTED", "RAW", "SIZE", "LNPROB"}}
	for _, exe := range exes {
		rows = append(rows, []string{
			exe.Path,
			exe.Pool.String(),
			exe.PoolReason,
			fmt.Sprintf("%.2f", exe.WeightedLaunches),
			fmt.Sprintf("%d", exe.RawLaunches),
			utils.FormatBinaryBytes(int(exe.Size)),
			fmt.Sprintf("%.2f", exe.LnProb),
		})
	}
	if table, err := utils.RenderTable(rows); err == nil {
		for _, line := range utils.SplitLines(table) {
			d.log.Info(line)
		}
	}

	totalMapped := uint64(0)
	for _, m := range st.Maps {
		totalMapped += m.Length
	}
	d.log.Infof("tracked map bytes: %s, bad exes: %d, dirty: %v",
		utils.FormatBinaryBytes(int(totalMapped)), len(st.BadExes), st.Dirty)

	d.log.Tracef("memstat: %s", spew.Sdump(st.MemStat))

	for _, family := range st.SortedFamilies() {
		stats := family.Stats(st)
		d.log.Debugf("family %s (%s): %d members, weighted %.2f, raw %d",
			family.ID, family.Method, len(family.Members), stats.TotalWeightedLaunches, stats.TotalRawLaunches)
	}
}
