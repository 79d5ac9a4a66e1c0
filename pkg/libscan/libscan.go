// Package libscan answers one question: which shared libraries does this
// ELF binary pull in. The session hook uses it to attach maps to seeded
// exes that have never been observed running. The primary implementation
// reads the ELF dynamic section directly; an external helper can be
// configured instead, invoked without a shell and never through PATH.
package libscan

import (
	"bufio"
	"bytes"
	"debug/elf"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mgutz/str"
	"github.com/sirupsen/logrus"
)

// ErrHelperNotAbsolute rejects helper commands that would need a PATH
// lookup.
var ErrHelperNotAbsolute = errors.New("libscan: helper binary must be an absolute path")

// defaultLibDirs are searched to resolve DT_NEEDED sonames into real files.
var defaultLibDirs = []string{
	"/usr/lib",
	"/usr/lib64",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/lib",
	"/lib64",
}

// Scanner resolves a binary's shared-library dependencies.
type Scanner struct {
	log *logrus.Entry

	// LibDirs are the directories sonames are resolved against
	LibDirs []string

	// Helper, when set, is a full command line for an external scanner
	// (e.g. "/usr/bin/ldd"). Arguments are split with shell quoting
	// rules but no shell ever runs
	Helper string
}

// NewScanner returns a dynamic-section scanner with the standard lib dirs.
func NewScanner(log *logrus.Entry) *Scanner {
	return &Scanner{log: log, LibDirs: defaultLibDirs}
}

// Libraries returns the resolved shared-library paths of binary.
func (s *Scanner) Libraries(binary string) ([]string, error) {
	if s.Helper != "" {
		return s.helperLibraries(binary)
	}
	return s.elfLibraries(binary)
}

// elfLibraries parses DT_NEEDED out of the dynamic section and resolves
// each soname against the lib dirs. Unresolvable sonames are skipped, not
// fatal: a partial warmup beats none.
func (s *Scanner) elfLibraries(binary string) ([]string, error) {
	file, err := elf.Open(binary)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	sonames, err := file.ImportedLibraries()
	if err != nil {
		return nil, err
	}

	libs := []string{}
	for _, soname := range sonames {
		if path := s.resolveSoname(soname); path != "" {
			libs = append(libs, path)
		}
	}
	return libs, nil
}

func (s *Scanner) resolveSoname(soname string) string {
	for _, dir := range s.LibDirs {
		candidate := filepath.Join(dir, soname)
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		return resolved
	}
	return ""
}

// helperLibraries shells the question out to the configured helper,
// shell-quoting handled by the argv split, and parses ldd-style output.
func (s *Scanner) helperLibraries(binary string) ([]string, error) {
	argv := str.ToArgv(s.Helper)
	if len(argv) == 0 || !filepath.IsAbs(argv[0]) {
		return nil, ErrHelperNotAbsolute
	}

	cmd := exec.Command(argv[0], append(argv[1:], binary)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return parseHelperOutput(&out), nil
}

// parseHelperOutput accepts both "soname => /path (addr)" lines and bare
// absolute paths, one per line.
func parseHelperOutput(out *bytes.Buffer) []string {
	libs := []string{}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "=> "); i >= 0 {
			line = line[i+3:]
			if j := strings.LastIndex(line, " ("); j >= 0 {
				line = line[:j]
			}
		}
		if strings.HasPrefix(line, "/") {
			if fields := strings.Fields(line); len(fields) > 0 {
				libs = append(libs, fields[0])
			}
		}
	}
	return libs
}
