package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileName is the per-project ignore file read by the watcher
const FileName = ".lumidevignore"

// LumiIgnoreMatcher handles gitignore-style pattern matching for paths
// relative to the watch root
type LumiIgnoreMatcher struct {
	patterns []Pattern
	keep     map[string]bool
}

// Pattern represents a single ignore pattern
type Pattern struct {
	Pattern    string
	IsNegation bool // Patterns starting with !
	IsDir      bool // Patterns ending with /
	Anchored   bool // Patterns containing a slash match from the root
}

// NewLumiIgnoreMatcher creates a new ignore matcher
func NewLumiIgnoreMatcher() *LumiIgnoreMatcher {
	return &LumiIgnoreMatcher{
		patterns: []Pattern{},
		keep:     make(map[string]bool),
	}
}

// LoadFromFile loads ignore patterns from a file such as .lumidevignore
func (m *LumiIgnoreMatcher) LoadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var patterns []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}

	m.AddPatterns(patterns)
	return scanner.Err()
}

// AddPatterns adds multiple patterns to the matcher
func (m *LumiIgnoreMatcher) AddPatterns(patterns []string) {
	for _, pattern := range patterns {
		m.AddPattern(pattern)
	}
}

// AddPattern adds a single pattern to the matcher
func (m *LumiIgnoreMatcher) AddPattern(pattern string) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}

	p := Pattern{
		Pattern: pattern,
	}

	if strings.HasPrefix(pattern, "!") {
		p.IsNegation = true
		p.Pattern = pattern[1:]
	}

	if strings.HasSuffix(p.Pattern, "/") {
		p.IsDir = true
		p.Pattern = strings.TrimSuffix(p.Pattern, "/")
	}

	if strings.Contains(p.Pattern, "/") {
		p.Anchored = true
		p.Pattern = strings.TrimPrefix(p.Pattern, "/")
	}

	if !doublestar.ValidatePattern(p.Pattern) {
		return
	}

	m.patterns = append(m.patterns, p)
}

// Keep exempts paths from every ignore rule. Their parent directories are
// exempted too, so a kept file under node_modules is still observed.
func (m *LumiIgnoreMatcher) Keep(paths ...string) {
	for _, p := range paths {
		p = path.Clean(filepath.ToSlash(p))
		for p != "." && p != "/" && p != "" {
			m.keep[p] = true
			p = path.Dir(p)
		}
	}
}

// ShouldIgnore checks if a path relative to the watch root should be ignored
func (m *LumiIgnoreMatcher) ShouldIgnore(rel string, isDir bool) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." {
		return false
	}
	if m.keep[rel] {
		return false
	}

	for _, part := range strings.Split(rel, "/") {
		if m.lumiIsDefaultIgnored(part) {
			return true
		}
	}

	ignored := false
	for _, pattern := range m.patterns {
		if pattern.IsDir && !isDir {
			continue
		}

		if m.lumiMatches(rel, pattern) {
			ignored = !pattern.IsNegation
		}
	}

	return ignored
}

// GetPatterns returns all configured patterns
func (m *LumiIgnoreMatcher) GetPatterns() []string {
	result := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		pattern := p.Pattern
		if p.Anchored && !strings.Contains(pattern, "/") {
			pattern = "/" + pattern
		}
		if p.IsNegation {
			pattern = "!" + pattern
		}
		if p.IsDir {
			pattern = pattern + "/"
		}
		result[i] = pattern
	}
	return result
}

// lumiMatches checks if a path or one of its parent directories matches a pattern
func (m *LumiIgnoreMatcher) lumiMatches(rel string, pattern Pattern) bool {
	if pattern.Anchored {
		if ok, _ := doublestar.Match(pattern.Pattern, rel); ok {
			return true
		}
		// A matching parent directory ignores everything below it
		for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
			if ok, _ := doublestar.Match(pattern.Pattern, dir); ok {
				return true
			}
		}
		return false
	}

	for _, part := range strings.Split(rel, "/") {
		if ok, _ := doublestar.Match(pattern.Pattern, part); ok {
			return true
		}
	}
	return false
}

// lumiIsDefaultIgnored checks if a path segment is ignored by default
func (m *LumiIgnoreMatcher) lumiIsDefaultIgnored(name string) bool {
	defaultIgnores := []string{
		".DS_Store",
		"Thumbs.db",
		".git",
		".svn",
		".hg",
		".idea",
		".vscode",
		"node_modules",
		".merlin",
		".bsb.lock",
		"*.swp",
		"*.swo",
		"*~",
		"#*#",
		".#*",
	}

	for _, pattern := range defaultIgnores {
		if matched, _ := path.Match(pattern, name); matched {
			return true
		}
	}

	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}
