// Package preload turns the predictor's scores into page-cache warmth. It
// budgets against current memory, picks the most likely maps, orders them to
// minimise seeking and fans the readahead hints out to a bounded worker
// pool. Workers never touch the model; they get value copies.
package preload

import (
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/proc"
)

// Threshold is the lnprob below which a map is likely enough to be worth
// reading ahead.
const Threshold = -1.0

// Preloader owns the preload half of the tick plus the worker pool.
type Preloader struct {
	log     *logrus.Entry
	conf    *config.AppConfig
	state   *model.State
	monitor *proc.Monitor

	// TrustFn guards every path handed to a worker; tests override it
	TrustFn func(string) bool

	queue   chan job
	done    chan struct{}
	workers int

	// counters read by the stats endpoint
	PreloadsTotal        atomic.Int64
	PreloadedBytes       atomic.Int64
	MemoryPressureEvents atomic.Int64
	DroppedJobs          atomic.Int64
}

// NewPreloader builds the preloader and starts its workers.
func NewPreloader(log *logrus.Entry, conf *config.AppConfig, state *model.State, monitor *proc.Monitor) *Preloader {
	workers := conf.UserConfig.System.MaxProcs
	if workers <= 0 {
		workers = 1
	}
	p := &Preloader{
		log:     log,
		conf:    conf,
		state:   state,
		monitor: monitor,
		TrustFn: config.Trusted,
		queue:   make(chan job, 4096),
		done:    make(chan struct{}),
		workers: workers,
	}
	p.startWorkers()
	return p
}

// Preload runs one cycle: refresh memory, budget, pick, order, dispatch.
func (p *Preloader) Preload() {
	st := p.state

	memstat, err := p.monitor.MemStat()
	if err != nil {
		p.log.WithError(err).Warn("meminfo unavailable, skipping preload cycle")
		return
	}
	st.MemStat = memstat
	st.MemStatTimestamp = st.Time

	avail := p.availableBytes(memstat)
	if avail <= 0 {
		p.MemoryPressureEvents.Add(1)
		p.log.WithFields(logrus.Fields{
			"free":      memstat.Free,
			"cached":    memstat.Cached,
			"available": memstat.Available,
		}).Info("memory pressure, preload skipped")
		return
	}

	candidates, owners := p.collectCandidates()
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LnProb < candidates[j].LnProb })

	// strict prefix: the first map that busts the budget ends the batch
	batch := []*model.Map{}
	budget := avail
	for _, m := range candidates {
		if int64(m.Length) > budget {
			break
		}
		budget -= int64(m.Length)
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return
	}

	p.orderBatch(batch)

	issued := 0
	var issuedBytes int64
	for _, m := range batch {
		if !p.dispatch(job{path: m.Path, offset: int64(m.Offset), length: int64(m.Length)}) {
			p.DroppedJobs.Add(1)
			continue
		}
		issued++
		issuedBytes += int64(m.Length)
		for _, exe := range owners[m.MapKey] {
			exe.Preloaded = true
		}
	}

	p.PreloadsTotal.Add(int64(issued))
	p.PreloadedBytes.Add(issuedBytes)
	p.log.WithFields(logrus.Fields{
		"issued": issued,
		"bytes":  issuedBytes,
		"avail":  avail,
	}).Debug("preload batch dispatched")
}

// availableBytes computes the budget:
// max(0, total*memtotal% + free*memfree%) + cached*memcached%.
// memtotal may be negative to reserve headroom.
func (p *Preloader) availableBytes(memstat proc.MemStat) int64 {
	modelConf := p.conf.UserConfig.Model
	total := int64(memstat.Total) * int64(modelConf.MemTotal) / 100
	free := int64(memstat.Free) * int64(modelConf.MemFree) / 100
	cached := int64(memstat.Cached) * int64(modelConf.MemCached) / 100

	avail := total + free
	if avail < 0 {
		avail = 0
	}
	return avail + cached
}

// collectCandidates returns the maps under the threshold that have at least
// one priority-pool referrer, plus the map-to-referrers index used to flag
// preloaded exes for hit accounting.
func (p *Preloader) collectCandidates() ([]*model.Map, map[model.MapKey][]*model.Exe) {
	st := p.state

	owners := map[model.MapKey][]*model.Exe{}
	hasPriority := map[model.MapKey]bool{}
	for _, exe := range st.Exes {
		for key := range exe.ExeMaps {
			owners[key] = append(owners[key], exe)
			if exe.Pool == model.PoolPriority {
				hasPriority[key] = true
			}
		}
	}

	candidates := []*model.Map{}
	for _, m := range st.MapsOrdered {
		if m.LnProb >= Threshold {
			continue
		}
		if !hasPriority[m.MapKey] {
			// maps referenced only by observation-pool exes never preload
			continue
		}
		if p.TrustFn != nil && !p.TrustFn(m.Path) {
			p.log.WithField("path", m.Path).Debug("untrusted map skipped")
			continue
		}
		candidates = append(candidates, m)
	}
	return candidates, owners
}
