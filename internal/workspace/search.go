package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// GrepOptions refine a content search.
type GrepOptions struct {
	// CaseInsensitive makes the pattern match regardless of case.
	CaseInsensitive bool

	// MaxResults caps the number of matching lines. Zero means unlimited.
	MaxResults int

	// GlobFilter restricts the search to files whose base name matches
	// the glob, e.g. "*.go".
	GlobFilter string
}

// grepMaxLineBytes bounds the scanner token size so minified or generated
// files do not abort the search.
const grepMaxLineBytes = 1 << 20

var errGrepLimit = errors.New("grep result limit reached")

// Grep searches file content under path for a regular expression and
// returns matches as "relative/path:line:text" rows. When nothing matches
// it returns the literal "No matches found." so tool output stays
// self-describing.
func (w *Workspace) Grep(pattern, path string, opts GrepOptions) (string, error) {
	expr := pattern
	if opts.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("compile pattern: %w", err)
	}

	root := w.resolve(path)
	var b strings.Builder
	count := 0

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return fs.SkipDir
			}
			return nil
		}
		if opts.GlobFilter != "" {
			ok, matchErr := filepath.Match(opts.GlobFilter, d.Name())
			if matchErr != nil || !ok {
				return nil
			}
		}

		file, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer file.Close()

		display := p
		if rel, err := filepath.Rel(root, p); err == nil && rel != "." {
			display = rel
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 64*1024), grepMaxLineBytes)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			fmt.Fprintf(&b, "%s:%d:%s\n", display, lineNo, line)
			count++
			if opts.MaxResults > 0 && count >= opts.MaxResults {
				return errGrepLimit
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errGrepLimit) {
		return "", fmt.Errorf("search %s: %w", root, walkErr)
	}

	if count == 0 {
		return "No matches found.", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type globMatch struct {
	path  string
	mtime time.Time
}

// Glob returns absolute paths matching a glob pattern under base (the
// working directory when base is empty), newest first by modification time.
// Patterns support doublestar recursion, e.g. "**/*.go".
func (w *Workspace) Glob(pattern, base string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern: %s", pattern)
	}
	root := w.resolve(base)

	var matches []globMatch
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		ok, matchErr := doublestar.Match(pattern, filepath.ToSlash(rel))
		if matchErr != nil || !ok {
			return nil
		}
		entry := globMatch{path: p}
		if info, infoErr := d.Info(); infoErr == nil {
			entry.mtime = info.ModTime()
		}
		matches = append(matches, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].mtime.After(matches[j].mtime)
	})
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.path
	}
	return out, nil
}
