// Package prophet scores the model each cycle: every exe and every map gets
// a log-probability of NOT being needed in the next period. Lower is more
// urgent. The computation is a pure function of the model state, so running
// it twice without an intervening scan yields identical numbers.
package prophet

import (
	"math"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
)

const (
	// ManualBoost is added to exes on the manual priority list
	ManualBoost = -10.0

	// RunningBoost biases exes that are already running towards "needed":
	// their pages are hot and should stay that way
	RunningBoost = -8.0
)

// Prophet computes predictions over the shared model.
type Prophet struct {
	log   *logrus.Entry
	conf  *config.AppConfig
	state *model.State
}

// NewProphet wires a predictor over the shared model.
func NewProphet(log *logrus.Entry, conf *config.AppConfig, state *model.State) *Prophet {
	return &Prophet{log: log, conf: conf, state: state}
}

// Predict runs the full pass: exes first, then maps.
func (p *Prophet) Predict() {
	p.predictExes()
	p.RecomputeMaps()
}

// predictExes assigns each exe its background prior, the correlation
// contributions of currently running partners, and the fixed boosts.
func (p *Prophet) predictExes() {
	st := p.state
	useCorrelation := config.BoolOr(p.conf.UserConfig.Model.UseCorrelation, true)
	manual := lo.SliceToMap(p.conf.ManualApps, func(path string) (string, struct{}) { return path, struct{}{} })

	for _, exe := range st.Exes {
		lnprob := 0.0

		// background prior: how much of the model's life has this exe
		// been observed running. Degenerate marginals contribute nothing
		if st.Time > 0 && exe.Time > 0 && exe.Time < st.Time {
			lnprob = math.Log(float64(st.Time-exe.Time) / float64(st.Time))
		}
		lnprob -= math.Log1p(exe.WeightedLaunches)

		if useCorrelation {
			for key := range exe.Markovs {
				markov, ok := st.Markovs[key]
				if !ok {
					continue
				}
				otherSeq := key.A
				if otherSeq == exe.Seq {
					otherSeq = key.B
				}
				other := st.ExeBySeq(otherSeq)
				if other == nil || !other.IsRunning() {
					continue
				}
				// positive correlation with a running partner makes
				// this exe more likely to be needed
				lnprob += -st.Correlation(markov)
			}
		}

		if exe.IsRunning() {
			lnprob += RunningBoost
		}
		if _, ok := manual[exe.Path]; ok {
			lnprob += ManualBoost
		}

		exe.LnProb = lnprob
	}
}

// RecomputeMaps folds the exe scores down onto the maps: each map takes the
// best chance any referring exe gives it. Exposed separately so the session
// hook can re-fold after boosting exes.
func (p *Prophet) RecomputeMaps() {
	st := p.state
	for _, m := range st.Maps {
		m.LnProb = math.Inf(1)
	}
	for _, exe := range st.Exes {
		for _, exemap := range exe.ExeMaps {
			candidate := exe.LnProb
			// a vanishing probability would blow up to +inf; treat the
			// term as zero instead
			if exemap.Prob > 0 && exemap.Prob <= 1 {
				candidate -= math.Log(exemap.Prob)
			}
			if candidate < exemap.Map.LnProb {
				exemap.Map.LnProb = candidate
			}
		}
	}
	// unreferenced maps can't appear while the refcount invariant holds,
	// but a neutral score is safer than +inf if one slips through
	for _, m := range st.Maps {
		if math.IsInf(m.LnProb, 1) {
			m.LnProb = 0
		}
	}
}
