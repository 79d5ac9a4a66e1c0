package spy

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/model"
)

// Classifier decides which pool a binary belongs to. Rules are checked in
// priority order; the first match wins:
//  1. manual priority list
//  2. known desktop-application catalog
//  3. exclusion patterns
//  4. user app directories
//  5. default: observation
type Classifier struct {
	log *logrus.Entry

	manual   map[string]struct{}
	catalog  map[string]struct{}
	excluded []string
	userDirs []string
}

// NewClassifier builds a classifier from the current config. The desktop
// catalog starts empty; call RefreshCatalog to populate it.
func NewClassifier(log *logrus.Entry, appConfig *config.AppConfig) *Classifier {
	system := appConfig.UserConfig.System
	return &Classifier{
		log:      log,
		manual:   lo.SliceToMap(appConfig.ManualApps, func(p string) (string, struct{}) { return p, struct{}{} }),
		catalog:  map[string]struct{}{},
		excluded: system.ExcludedPatternList(),
		userDirs: system.UserAppPathList(),
	}
}

// Update re-derives the config-driven rule sets after a reload. The desktop
// catalog is kept; RefreshCatalog rebuilds it separately.
func (c *Classifier) Update(appConfig *config.AppConfig) {
	system := appConfig.UserConfig.System
	c.manual = lo.SliceToMap(appConfig.ManualApps, func(p string) (string, struct{}) { return p, struct{}{} })
	c.excluded = system.ExcludedPatternList()
	c.userDirs = system.UserAppPathList()
}

// Classify returns the pool for a canonical binary path plus the reason the
// rule matched, for the dump.
func (c *Classifier) Classify(path string) (model.Pool, string) {
	if _, ok := c.manual[path]; ok {
		return model.PoolPriority, "manual"
	}
	if _, ok := c.catalog[path]; ok {
		return model.PoolPriority, ".desktop"
	}
	base := filepath.Base(path)
	for _, pattern := range c.excluded {
		if matched, _ := filepath.Match(pattern, path); matched {
			return model.PoolObservation, "excluded pattern"
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return model.PoolObservation, "excluded pattern"
		}
	}
	for _, dir := range c.userDirs {
		if strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/") {
			return model.PoolPriority, "user app directory"
		}
	}
	return model.PoolObservation, "default"
}

// ReclassifyAll re-runs classification over every tracked exe, e.g. after a
// catalog refresh or config reload. Returns the number of pool changes; the
// caller decides whether to rebuild the priority mesh.
func (c *Classifier) ReclassifyAll(s *model.State) int {
	changed := 0
	for _, exe := range s.Exes {
		pool, reason := c.Classify(exe.Path)
		if pool != exe.Pool {
			c.log.WithFields(logrus.Fields{
				"exe":    exe.Path,
				"pool":   pool.String(),
				"reason": reason,
			}).Debug("reclassified")
			exe.Pool = pool
			changed++
		}
		exe.PoolReason = reason
	}
	if changed > 0 {
		s.ModelDirty = true
	}
	return changed
}

// RefreshCatalog rebuilds the desktop-application catalog from .desktop
// files in the given directories. Exec lines are reduced to their binary,
// field codes stripped, file URIs treated as plain paths, and symlinks
// canonicalised before the path lands in the catalog.
func (c *Classifier) RefreshCatalog(dirs []string) {
	catalog := map[string]struct{}{}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".desktop") {
				continue
			}
			if path := c.desktopEntryBinary(filepath.Join(dir, entry.Name())); path != "" {
				catalog[path] = struct{}{}
			}
		}
	}
	c.catalog = catalog
}

// CatalogSize reports how many binaries the catalog knows.
func (c *Classifier) CatalogSize() int {
	return len(c.catalog)
}

// desktopEntryBinary extracts the canonical binary path from a .desktop
// file, preferring TryExec over Exec.
func (c *Classifier) desktopEntryBinary(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	var execLine, tryExec string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "TryExec="):
			tryExec = strings.TrimPrefix(line, "TryExec=")
		case strings.HasPrefix(line, "Exec="):
			if execLine == "" {
				execLine = strings.TrimPrefix(line, "Exec=")
			}
		}
	}

	candidate := tryExec
	if candidate == "" {
		candidate = firstExecToken(execLine)
	}
	if candidate == "" {
		return ""
	}
	return ResolveBinary(candidate)
}

// firstExecToken returns the command of an Exec= value, dropping %f-style
// field codes and env wrappers.
func firstExecToken(execValue string) string {
	for _, token := range strings.Fields(execValue) {
		if strings.HasPrefix(token, "%") {
			continue
		}
		if token == "env" || strings.Contains(token, "=") {
			continue
		}
		return token
	}
	return ""
}

// well-known binary directories used to resolve bare command names; PATH is
// never consulted
var binDirs = []string{"/usr/bin", "/usr/local/bin", "/usr/sbin", "/opt/bin"}

// ResolveBinary canonicalises a command into an absolute real path, or ""
// when it cannot be found. file:// URIs are accepted as plain paths.
func ResolveBinary(command string) string {
	command = strings.TrimPrefix(command, "file://")
	if !filepath.IsAbs(command) {
		for _, dir := range binDirs {
			candidate := filepath.Join(dir, command)
			if _, err := os.Stat(candidate); err == nil {
				command = candidate
				break
			}
		}
		if !filepath.IsAbs(command) {
			return ""
		}
	}
	resolved, err := filepath.EvalSymlinks(command)
	if err != nil {
		return ""
	}
	return resolved
}
