// Package config handles all the user-configuration. The daemon reads its
// config.yml from /etc/preheat when running as root, or from the XDG config
// home otherwise. Keys missing from the user's file keep their defaults; the
// merge is defaults-first, so a partially filled section only overrides the
// keys it names.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
	"github.com/spkg/bom"
)

// AppConfig contains the base configuration fields required for preheat.
type AppConfig struct {
	Debug      bool   `long:"debug" env:"DEBUG" default:"false"`
	Version    string `long:"version" env:"VERSION" default:"unversioned"`
	Commit     string `long:"commit" env:"COMMIT"`
	BuildDate  string `long:"build-date" env:"BUILD_DATE"`
	Name       string `long:"name" env:"NAME" default:"preheat"`
	Foreground bool
	UserConfig *UserConfig
	ConfigDir  string
	ConfigFile string
	StateDir   string

	// ManualApps is the parsed contents of system.manualapps, one canonical
	// path per entry. Refreshed on config reload
	ManualApps []string

	// Warnings collected while parsing and clamping the config, to be logged
	// once the logger is up
	Warnings []string
}

// NewAppConfig makes a new app config
func NewAppConfig(name, version, commit, date string, debuggingFlag, foreground bool, confFile, stateDir string) (*AppConfig, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	if stateDir == "" {
		stateDir = defaultStateDir(name)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}

	if confFile == "" {
		confFile = filepath.Join(configDir, "config.yml")
	}

	userConfig, warnings, err := loadUserConfigWithDefaults(confFile)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Name:       name,
		Version:    version,
		Commit:     commit,
		BuildDate:  date,
		Debug:      debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		Foreground: foreground,
		UserConfig: userConfig,
		ConfigDir:  configDir,
		ConfigFile: confFile,
		StateDir:   stateDir,
		Warnings:   warnings,
	}
	appConfig.refreshManualApps()

	return appConfig, nil
}

// Reload re-reads the config file in place. Used by the SIGHUP handler; the
// swap is atomic from the caller's point of view because the daemon only
// invokes it between ticks.
func (c *AppConfig) Reload() error {
	userConfig, warnings, err := loadUserConfigWithDefaults(c.ConfigFilename())
	if err != nil {
		return err
	}
	c.UserConfig = userConfig
	c.Warnings = warnings
	c.refreshManualApps()
	return nil
}

func (c *AppConfig) refreshManualApps() {
	apps, err := LoadManualApps(c.UserConfig.System.ManualApps)
	if err != nil {
		c.Warnings = append(c.Warnings, "config: manualapps: "+err.Error())
	}
	c.ManualApps = apps
}

func defaultStateDir(projectName string) string {
	if os.Geteuid() == 0 {
		return filepath.Join("/var/lib", projectName)
	}
	return xdg.New("", projectName).DataHome()
}

func configDir(projectName string) string {
	envConfigDir := os.Getenv("CONFIG_DIR")
	if envConfigDir != "" {
		return envConfigDir
	}
	if os.Geteuid() == 0 {
		return filepath.Join("/etc", projectName)
	}
	return xdg.New("", projectName).ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)

	err := os.MkdirAll(folder, 0o755)
	if err != nil {
		return "", err
	}

	return folder, nil
}

func loadUserConfigWithDefaults(fileName string) (*UserConfig, []string, error) {
	config := GetDefaultConfig()

	userConfig, err := loadUserConfig(fileName, &config)
	if err != nil {
		return nil, nil, err
	}
	warnings := userConfig.Normalize()
	return userConfig, warnings, nil
}

func loadUserConfig(fileName string, base *UserConfig) (*UserConfig, error) {
	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, err := os.Create(fileName)
			if err != nil {
				return nil, err
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	content = bom.Clean(content)

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	// a user section that names only some keys leaves the rest zero-valued;
	// pull those back from the defaults
	def := GetDefaultConfig()
	if err := mergo.Merge(base, def); err != nil {
		return nil, err
	}

	return base, nil
}

// ConfigFilename returns the filename of the current config file
func (c *AppConfig) ConfigFilename() string {
	if c.ConfigFile != "" {
		return c.ConfigFile
	}
	return filepath.Join(c.ConfigDir, "config.yml")
}

// LoadManualApps parses the manual-app whitelist: one absolute path per line,
// '#' comments and blank lines skipped. Symlinks are resolved and entries
// outside the trusted prefixes are dropped.
func LoadManualApps(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	apps := []string{}
	scanner := bufio.NewScanner(bom.NewReader(file))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			continue
		}
		resolved, err := filepath.EvalSymlinks(line)
		if err != nil {
			continue
		}
		if !Trusted(resolved) {
			continue
		}
		apps = append(apps, resolved)
	}
	return apps, scanner.Err()
}
