package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lumidev/lumidev/internal/filter"
)

// FindWorkspaceRoot returns the nearest directory at or above root whose
// package.json declares workspaces that include root. Without one, root is
// its own workspace.
func FindWorkspaceRoot(root string) string {
	dir := root
	for {
		if patterns, ok := workspacePatterns(filepath.Join(dir, "package.json")); ok {
			if dir == root {
				return dir
			}
			rel, err := filepath.Rel(dir, root)
			if err == nil {
				rel = filepath.ToSlash(rel)
				for _, p := range patterns {
					p = strings.TrimPrefix(strings.TrimSuffix(p, "/"), "./")
					if match, _ := doublestar.Match(p, rel); match {
						return dir
					}
				}
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return root
		}
		dir = parent
	}
}

// workspacePatterns reads "workspaces" in either the array or the
// {"packages": [...]} form
func workspacePatterns(path string) ([]string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var pkg struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil || len(pkg.Workspaces) == 0 {
		return nil, false
	}

	var list []string
	if err := json.Unmarshal(pkg.Workspaces, &list); err == nil {
		return list, true
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(pkg.Workspaces, &obj); err == nil {
		return obj.Packages, true
	}
	return nil, false
}

// BuildConfigFiles lists, relative to the workspace root, the files whose
// change ends the watch process instead of triggering a rebuild
func (c *Config) BuildConfigFiles() []string {
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" {
			return
		}
		if rel, ok := c.WorkspaceRelative(p); ok && !seen[rel] {
			seen[rel] = true
		}
	}

	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		add(exe)
	}
	add(c.ConfigFile)
	if _, err := os.Stat(c.Path("package.json")); err == nil {
		add("package.json")
	}
	for _, p := range c.Watch.ConfigFiles {
		add(p)
	}

	files := make([]string, 0, len(seen))
	for p := range seen {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// Rules builds the rebuild filter rules, with paths relative to the
// workspace root
func (c *Config) Rules() filter.Rules {
	extensions := append([]string{}, c.Watch.Extensions...)
	extensions = append(extensions, c.Esbuild.FileLoaders...)

	rules := filter.Rules{
		Extensions:       extensions,
		ExcludeWholename: c.Watch.ExcludeWholename,
		ExcludeBasename:  c.Watch.ExcludeBasenames,
		AlwaysInclude:    c.BuildConfigFiles(),
	}
	if outdir, ok := c.WorkspaceRelative(c.Esbuild.Outdir); ok {
		rules.ExcludeDirs = []string{outdir}
	}
	return rules
}
