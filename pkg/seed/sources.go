package seed

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/sirupsen/logrus"

	"github.com/wasteddreams/preheat/pkg/spy"
)

// XDGSource walks autostart entries and installed .desktop files. Desktop
// presence is the strongest launch signal we have before any observation.
type XDGSource struct {
	log  *logrus.Entry
	Dirs []string
}

func NewXDGSource(log *logrus.Entry) *XDGSource {
	base := xdg.New("", "")
	dirs := []string{"/etc/xdg/autostart", "/usr/share/applications", "/usr/local/share/applications"}
	if home := base.ConfigHome(); home != "" {
		dirs = append(dirs, filepath.Join(home, "autostart"))
	}
	if data := base.DataHome(); data != "" {
		dirs = append(dirs, filepath.Join(data, "applications"))
	}
	return &XDGSource{log: log, Dirs: dirs}
}

func (s *XDGSource) Name() string { return "xdg" }

func (s *XDGSource) Enumerate() []Entry {
	entries := []Entry{}
	seen := map[string]struct{}{}
	for _, dir := range s.Dirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".desktop") {
				continue
			}
			path := desktopBinary(filepath.Join(dir, file.Name()))
			if path == "" {
				continue
			}
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			entries = append(entries, Entry{Path: path, Confidence: 0.9, Origin: "desktop"})
		}
	}
	return entries
}

// desktopBinary pulls the Exec binary out of a .desktop file, stripping
// field codes, treating file URIs as plain paths.
func desktopBinary(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if value, ok := strings.CutPrefix(line, "TryExec="); ok {
			return spy.ResolveBinary(value)
		}
		if value, ok := strings.CutPrefix(line, "Exec="); ok {
			for _, token := range strings.Fields(value) {
				if strings.HasPrefix(token, "%") || token == "env" || strings.Contains(token, "=") {
					continue
				}
				return spy.ResolveBinary(token)
			}
		}
	}
	return ""
}

// HistorySource mines shell history for commands the user actually types.
// Confidence scales with frequency and is capped below the desktop signal.
type HistorySource struct {
	log  *logrus.Entry
	Home string
}

func NewHistorySource(log *logrus.Entry) *HistorySource {
	home, _ := os.UserHomeDir()
	return &HistorySource{log: log, Home: home}
}

func (s *HistorySource) Name() string { return "history" }

func (s *HistorySource) Enumerate() []Entry {
	counts := map[string]int{}
	for _, name := range []string{".bash_history", ".zsh_history"} {
		s.countCommands(filepath.Join(s.Home, name), counts)
	}

	entries := []Entry{}
	for command, count := range counts {
		path := spy.ResolveBinary(command)
		if path == "" {
			continue
		}
		confidence := 0.3 + 0.1*float64(count)
		if confidence > 0.8 {
			confidence = 0.8
		}
		entries = append(entries, Entry{Path: path, Confidence: confidence, Origin: "history"})
	}
	return entries
}

func (s *HistorySource) countCommands(path string, counts map[string]int) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// zsh extended history: ": 1700000000:0;command args"
		if strings.HasPrefix(line, ": ") {
			if i := strings.Index(line, ";"); i >= 0 {
				line = line[i+1:]
			}
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		command := fields[0]
		if command == "sudo" && len(fields) > 1 {
			command = fields[1]
		}
		if strings.ContainsAny(line, "|&;<>$") {
			continue
		}
		counts[command]++
	}
}

// BrowserDetectSource and DevToolsDetectSource probe fixed candidate lists
// on disk. Presence of the binary is the whole signal.
type BrowserDetectSource struct{}

func NewBrowserDetectSource() *BrowserDetectSource { return &BrowserDetectSource{} }

func (s *BrowserDetectSource) Name() string { return "browser-detect" }

func (s *BrowserDetectSource) Enumerate() []Entry {
	return probe([]string{
		"/usr/bin/firefox",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/brave-browser",
		"/usr/bin/epiphany",
		"/opt/google/chrome/chrome",
	}, 0.7, "browser")
}

type DevToolsDetectSource struct{}

func NewDevToolsDetectSource() *DevToolsDetectSource { return &DevToolsDetectSource{} }

func (s *DevToolsDetectSource) Name() string { return "devtools-detect" }

func (s *DevToolsDetectSource) Enumerate() []Entry {
	return probe([]string{
		"/usr/bin/code",
		"/usr/bin/codium",
		"/usr/bin/gvim",
		"/usr/bin/emacs",
		"/usr/bin/kate",
		"/usr/bin/gedit",
		"/usr/bin/gimp",
		"/usr/bin/blender",
		"/usr/bin/inkscape",
		"/opt/idea/bin/idea",
		"/opt/goland/bin/goland",
	}, 0.6, "devtools")
}

func probe(paths []string, confidence float64, origin string) []Entry {
	entries := []Entry{}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			entries = append(entries, Entry{Path: path, Confidence: confidence, Origin: origin})
		}
	}
	return entries
}
