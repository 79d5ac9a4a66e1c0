package app

import (
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/config"
	"github.com/wasteddreams/preheat/pkg/daemon"
	"github.com/wasteddreams/preheat/pkg/libscan"
	"github.com/wasteddreams/preheat/pkg/log"
	"github.com/wasteddreams/preheat/pkg/model"
	"github.com/wasteddreams/preheat/pkg/preload"
	"github.com/wasteddreams/preheat/pkg/proc"
	"github.com/wasteddreams/preheat/pkg/prophet"
	"github.com/wasteddreams/preheat/pkg/seed"
	"github.com/wasteddreams/preheat/pkg/spy"
	"github.com/wasteddreams/preheat/pkg/state"
	"github.com/wasteddreams/preheat/pkg/utils"
)

// desktopCatalogDirs feed the classifier's known-application catalog.
var desktopCatalogDirs = []string{
	"/usr/share/applications",
	"/usr/local/share/applications",
	"/var/lib/flatpak/exports/share/applications",
}

// App struct
type App struct {
	closers []io.Closer

	Config     *config.AppConfig
	Log        *logrus.Entry
	State      *model.State
	Monitor    *proc.Monitor
	Classifier *spy.Classifier
	Spy        *spy.Spy
	Prophet    *prophet.Prophet
	Preloader  *preload.Preloader
	Store      *state.Store
	Session    *daemon.SessionHook
	Stats      *daemon.StatsWriter
	Daemon     *daemon.Daemon
}

// NewApp bootstrap a new application
func NewApp(config *config.AppConfig) (*App, error) {
	app := &App{
		closers: []io.Closer{},
		Config:  config,
	}
	app.Log = log.NewLogger(config)
	for _, warning := range config.Warnings {
		app.Log.Warn(warning)
	}

	app.Monitor = proc.NewMonitor(app.Log, config.UserConfig)
	app.Store = state.NewStore(app.Log, config.StateDir, app.Monitor)

	app.State = app.Store.Load()
	app.Log.WithFields(logrus.Fields{
		"exes": len(app.State.Exes),
		"maps": len(app.State.Maps),
		"time": app.State.Time,
	}).Info("model loaded")

	app.Classifier = spy.NewClassifier(app.Log, config)
	app.Classifier.RefreshCatalog(desktopCatalogDirs)

	app.Spy = spy.NewSpy(app.Log, config, app.Monitor, app.State, app.Classifier)
	app.Prophet = prophet.NewProphet(app.Log, config, app.State)
	app.Preloader = preload.NewPreloader(app.Log, config, app.State, app.Monitor)

	app.seedIfEmpty()
	app.loadConfiguredFamilies()

	scanner := libscan.NewScanner(app.Log)
	now := func() int64 { return time.Now().Unix() }
	app.Session = daemon.NewSessionHook(app.Log, app.State, app.Monitor, app.Prophet, app.Preloader, scanner, now)
	app.Stats = daemon.NewStatsWriter(app.Log, config, app.State, app.Preloader, app.Store)
	app.Daemon = daemon.NewDaemon(app.Log, config, app.State, app.Monitor,
		app.Spy, app.Classifier, app.Prophet, app.Preloader, app.Store, app.Session, app.Stats)

	return app, nil
}

// seedIfEmpty runs the first-run seeding when the model has no history.
func (app *App) seedIfEmpty() {
	if len(app.State.Exes) > 0 {
		return
	}
	seeder := seed.NewSeeder(app.Log, app.Config, app.State, app.Classifier)
	seeder.Seed(seeder.DefaultSources()...)
}

// loadConfiguredFamilies registers the [families] config section.
func (app *App) loadConfiguredFamilies() {
	for id, members := range app.Config.UserConfig.Families {
		memberList := []string{}
		for _, member := range strings.Split(members, ";") {
			if member = strings.TrimSpace(member); member != "" {
				memberList = append(memberList, member)
			}
		}
		if len(memberList) > 0 {
			app.State.AddFamily(id, memberList, model.MethodConfig)
		}
	}
}

// Run blocks until the daemon shuts down.
func (app *App) Run() error {
	return app.Daemon.Run()
}

// Close closes any resources
func (app *App) Close() error {
	return utils.CloseMany(app.closers)
}

type errorMapping struct {
	originalError string
	newError      string
}

// KnownError takes an error and tells us whether it's an error that we know
// about where we can print a nicely formatted version of it rather than
// dumping a stack trace
func (app *App) KnownError(err error) (string, bool) {
	errorMessage := err.Error()

	mappings := []errorMapping{
		{
			originalError: "another instance is already running",
			newError:      "preheat is already running; stop the existing daemon first",
		},
		{
			originalError: "permission denied",
			newError:      "preheat needs to run as root to observe processes and lock its state",
		},
	}

	for _, mapping := range mappings {
		if strings.Contains(errorMessage, mapping.originalError) {
			return mapping.newError, true
		}
	}

	return "", false
}
