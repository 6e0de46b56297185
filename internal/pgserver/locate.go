package pgserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jamesnunn/pgtest/internal/debug"
)

// locateTimeout bounds the `locate` fallback, which can be slow on hosts
// with a large file index.
const locateTimeout = 10 * time.Second

// wellKnownDirs are searched after PATH on non-Windows hosts. Debian-style
// versioned directories under /usr/lib/postgresql are handled separately so
// the newest version wins.
var wellKnownDirs = []string{
	"/usr/local/pgsql/bin",
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/pgsql/bin",
}

// debianVersionDir matches the version component of /usr/lib/postgresql/<v>/bin.
var debianVersionDir = regexp.MustCompile(`postgresql/([\d.]+)/bin`)

// Locator finds executables on the host. Lookups are cached per name and
// concurrent lookups of the same name share one search.
type Locator struct {
	// Path overrides the PATH environment variable when non-empty.
	Path string
	// Roots lists directories searched for versioned installs
	// (<root>/<version>/bin/<name>). Defaults to /usr/lib/postgresql.
	Roots []string
	// ExtraDirs are searched after PATH and Roots. Defaults to wellKnownDirs.
	ExtraDirs []string
	// NoLocate disables the `locate` file index fallback.
	NoLocate bool

	group singleflight.Group
	cache cacheMap
}

// NewLocator returns a locator with the default search strategy.
func NewLocator() *Locator {
	return &Locator{}
}

var defaultLocator = NewLocator()

// DefaultLocator returns the locator used when Config.Locator is nil.
func DefaultLocator() *Locator { return defaultLocator }

// Find returns the absolute, cleaned path of the named executable.
//
// A name containing a path separator is checked as given (and with an .exe
// suffix). Otherwise PATH is scanned, then on non-Windows hosts the newest
// versioned install directory, the well-known install directories and
// finally the `locate` file index.
func (l *Locator) Find(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty program name", ErrNotFound)
	}
	if path, ok := l.cache.get(name); ok {
		return path, nil
	}
	v, err, _ := l.group.Do(name, func() (any, error) {
		path, err := l.find(name)
		if err != nil {
			return "", err
		}
		l.cache.put(name, path)
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *Locator) find(name string) (string, error) {
	withExe := strings.TrimSuffix(name, filepath.Ext(name)) + ".exe"

	if strings.ContainsAny(name, `/\`) {
		for _, candidate := range []string{name, withExe} {
			if isExecutable(candidate) {
				return absClean(candidate), nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	for _, dir := range filepath.SplitList(l.pathEnv()) {
		dir = strings.Trim(dir, `"`)
		if dir == "" {
			continue
		}
		for _, candidate := range []string{filepath.Join(dir, withExe), filepath.Join(dir, name)} {
			if isExecutable(candidate) {
				return absClean(candidate), nil
			}
		}
	}

	if runtime.GOOS == "windows" {
		return "", fmt.Errorf("%w: '%s' could not be found in PATH", ErrNotFound, name)
	}

	if path := l.findVersioned(name); path != "" {
		return path, nil
	}
	for _, dir := range l.extraDirs() {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return absClean(candidate), nil
		}
	}
	if !l.NoLocate {
		if path := locateIndexed(name); path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: '%s' could not be found", ErrNotFound, name)
}

func (l *Locator) pathEnv() string {
	if l.Path != "" {
		return l.Path
	}
	return os.Getenv("PATH")
}

func (l *Locator) extraDirs() []string {
	if l.ExtraDirs != nil {
		return l.ExtraDirs
	}
	return wellKnownDirs
}

// findVersioned picks <root>/<version>/bin/<name> with the highest version.
func (l *Locator) findVersioned(name string) string {
	roots := l.Roots
	if roots == nil {
		roots = []string{"/usr/lib/postgresql"}
	}
	type versioned struct {
		version []int
		path    string
	}
	var found []versioned
	for _, root := range roots {
		matches, err := filepath.Glob(filepath.Join(root, "*", "bin", name))
		if err != nil {
			continue
		}
		for _, m := range matches {
			sub := debianVersionDir.FindStringSubmatch(filepath.ToSlash(m))
			if sub == nil {
				continue
			}
			found = append(found, versioned{version: parseVersion(sub[1]), path: m})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return compareVersions(found[i].version, found[j].version) > 0
	})
	for _, f := range found {
		if isExecutable(f.path) {
			return absClean(f.path)
		}
	}
	return ""
}

// locateIndexed falls back to the `locate` command.
func locateIndexed(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), locateTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "locate", "-r", "/"+regexp.QuoteMeta(name)+"$").Output()
	if err != nil {
		debug.Logf("locate %s: %v", name, err)
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && isExecutable(line) {
			return absClean(line)
		}
	}
	return ""
}

// parseVersion splits "9.4" into [9 4]. Non-numeric parts become 0.
func parseVersion(s string) []int {
	parts := strings.Split(s, ".")
	v := make([]int, 0, len(parts))
	for _, p := range parts {
		n, _ := strconv.Atoi(p)
		v = append(v, n)
	}
	return v
}

func compareVersions(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func absClean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
