// Package seed populates an empty model from external signals so the very
// first session benefits from preloading: autostart entries, the desktop
// application catalog, shell history, and fixed detection lists for browsers
// and developer tools. Sources are pluggable; the seeder only consumes their
// Enumerate contract.
package seed

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/spy"
)

// Entry is one seed candidate.
type Entry struct {
	Path       string
	Confidence float64
	Origin     string
}

// Source enumerates seed candidates.
type Source interface {
	Name() string
	Enumerate() []Entry
}

// originWeights scale the initial launch score by how strong a signal the
// origin is.
var originWeights = map[string]float64{
	"desktop":  3.0,
	"browser":  2.5,
	"devtools": 2.0,
	"history":  1.5,
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Seeder admits candidates into the model.
type Seeder struct {
	log        *logrus.Entry
	conf       *config.AppConfig
	state      *model.State
	classifier *spy.Classifier

	// TrustFn guards resolved candidate paths; tests override it
	TrustFn func(string) bool
}

// NewSeeder wires a seeder over the shared model.
func NewSeeder(log *logrus.Entry, conf *config.AppConfig, state *model.State, classifier *spy.Classifier) *Seeder {
	return &Seeder{
		log:        log,
		conf:       conf,
		state:      state,
		classifier: classifier,
		TrustFn:    config.Trusted,
	}
}

// DefaultSources assembles the source set enabled by the config.
func (s *Seeder) DefaultSources() []Source {
	preheat := s.conf.UserConfig.Preheat
	sources := []Source{}
	if config.BoolOr(preheat.SeedFromXDG, true) {
		sources = append(sources, NewXDGSource(s.log))
	}
	if config.BoolOr(preheat.SeedFromHistory, true) {
		sources = append(sources, NewHistorySource(s.log))
	}
	sources = append(sources, NewBrowserDetectSource(), NewDevToolsDetectSource())
	return sources
}

// Seed runs every source and returns how many exes were admitted. Seeded
// exes skip chain creation; the mesh is built once at the end.
func (s *Seeder) Seed(sources ...Source) int {
	minConfidence := s.conf.UserConfig.Preheat.SeedConfidence
	admitted := 0

	for _, source := range sources {
		entries := source.Enumerate()
		s.log.WithFields(logrus.Fields{
			"source":     source.Name(),
			"candidates": len(entries),
		}).Debug("seed source enumerated")

		for _, entry := range entries {
			if entry.Confidence < minConfidence {
				continue
			}
			if s.admit(entry) {
				admitted++
			}
		}
	}

	created := s.state.BuildPriorityMesh(model.PriorityMeshCap)
	s.log.WithFields(logrus.Fields{
		"admitted": admitted,
		"chains":   created,
	}).Info("first-run seeding complete")
	return admitted
}

// admit resolves, vets and registers a single candidate. The initial score
// accumulates only for exes the seeder itself creates; an existing score is
// never overwritten.
func (s *Seeder) admit(entry Entry) bool {
	resolved, err := filepath.EvalSymlinks(entry.Path)
	if err != nil {
		return false
	}
	if !s.TrustFn(resolved) {
		s.log.WithField("path", resolved).Debug("seed candidate outside trusted prefixes")
		return false
	}
	if !isELF(resolved) {
		return false
	}
	if _, exists := s.state.Exes[resolved]; exists {
		return false
	}

	pool, reason := s.classifier.Classify(resolved)
	exe := model.NewExe(resolved, pool, reason, s.state.Time)
	exe = s.state.RegisterExe(exe, false)

	weight := originWeights[entry.Origin]
	if weight == 0 {
		weight = 1.0
	}
	exe.WeightedLaunches += entry.Confidence * weight

	s.log.WithFields(logrus.Fields{
		"exe":    resolved,
		"origin": entry.Origin,
		"pool":   pool.String(),
	}).Debug("seeded")
	return true
}

func isELF(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	magic := make([]byte, 4)
	if _, err := file.Read(magic); err != nil {
		return false
	}
	return bytes.Equal(magic, elfMagic)
}
