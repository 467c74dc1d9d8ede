// Package files tracks which package owns each installed path and reads and
// writes the per-package .list files the index is rebuilt from.
package files

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/destination"
	"github.com/ralt/opm/internal/pkg"
	"github.com/ralt/opm/internal/utils"
)

// Entry is one owned path: mode bits and, for symlinks, the target.
type Entry struct {
	Path       string
	Mode       os.FileMode
	LinkTarget string
}

// Index is the process-wide map from absolute path to owning package.
type Index struct {
	owners map[string]*pkg.Pkg
}

// NewIndex creates an empty ownership index.
func NewIndex() *Index {
	return &Index{owners: make(map[string]*pkg.Pkg)}
}

// Owner returns the package owning path, or nil.
func (ix *Index) Owner(path string) *pkg.Pkg {
	return ix.owners[normalize(path)]
}

// SetOwner records p as the owner of path, replacing any previous owner.
func (ix *Index) SetOwner(path string, p *pkg.Pkg) {
	ix.owners[normalize(path)] = p
}

// Release drops the ownership entry for path if it is owned by p.
func (ix *Index) Release(path string, p *pkg.Pkg) {
	path = normalize(path)
	if ix.owners[path] == p {
		delete(ix.owners, path)
	}
}

// OwnedBy returns every path owned by p, sorted.
func (ix *Index) OwnedBy(p *pkg.Pkg) []string {
	var paths []string
	for path, owner := range ix.owners {
		if owner == p {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of tracked paths.
func (ix *Index) Len() int {
	return len(ix.owners)
}

// normalize strips the trailing slash directory paths sometimes carry.
func normalize(path string) string {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// FormatEntry renders one list line: path, tab, octal mode, and for links a
// tab and the target.
func FormatEntry(e Entry) string {
	line := fmt.Sprintf("%s\t%o", normalize(e.Path), e.Mode.Perm())
	if e.LinkTarget != "" {
		line += "\t" + e.LinkTarget
	}
	return line
}

// ParseEntry parses one list line. Older lists carry only the path.
func ParseEntry(line string) (Entry, error) {
	parts := strings.Split(line, "\t")
	if parts[0] == "" {
		return Entry{}, fmt.Errorf("empty path in list line %q", line)
	}
	e := Entry{Path: normalize(parts[0])}
	if len(parts) > 1 {
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil {
			return Entry{}, fmt.Errorf("bad mode in list line %q: %w", line, err)
		}
		e.Mode = os.FileMode(mode)
	}
	if len(parts) > 2 {
		e.LinkTarget = parts[2]
	}
	return e, nil
}

// WriteList writes the .list file for a package from its entries.
func WriteList(path string, entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(FormatEntry(e))
		b.WriteString("\n")
	}
	return utils.AtomicWrite(path, []byte(b.String()), 0644)
}

// ReadList reads a .list file.
func ReadList(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Rebuild loads every .list file in a destination's info directory into the
// index. Run at startup; the index is persisted only through the lists.
// Lists with no matching installed package are loaded under a synthetic
// owner so Orphans can report them.
func (ix *Index) Rebuild(dest *destination.Dest, installed []*pkg.Pkg) error {
	byName := make(map[string]*pkg.Pkg, len(installed))
	for _, p := range installed {
		byName[p.Name] = p
	}

	dirents, err := os.ReadDir(dest.InfoDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, dirent := range dirents {
		name, ok := strings.CutSuffix(dirent.Name(), ".list")
		if !ok {
			continue
		}

		entries, err := ReadList(dest.InfoPath(name, "list"))
		if err != nil {
			return err
		}

		owner := byName[name]
		if owner == nil {
			// A list without a status record is debris from an
			// interrupted transaction.
			owner = pkg.New()
			owner.Name = name
		}
		for _, e := range entries {
			ix.SetOwner(dest.Prefix(e.Path), owner)
		}
	}

	for _, p := range installed {
		if p.StateStatus == pkg.StatusConfigFiles {
			continue
		}
		if _, err := os.Stat(dest.InfoPath(p.Name, "list")); os.IsNotExist(err) {
			logrus.Warnf("Package %s has no file list", p.Name)
		}
	}
	return nil
}

// Orphans returns every tracked path whose owner is not in the given set of
// installed packages: files left behind by interrupted transactions.
func (ix *Index) Orphans(known map[*pkg.Pkg]bool) []string {
	var orphans []string
	for path, owner := range ix.owners {
		if !known[owner] {
			orphans = append(orphans, path)
		}
	}
	sort.Strings(orphans)
	return orphans
}
