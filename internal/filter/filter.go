package filter

import (
	"github.com/lumidev/lumidev/pkg/models"
)

// ChangeFilter decides whether a batch should trigger a rebuild and whether it
// touches the build configuration itself. It holds no mutable state.
type ChangeFilter struct {
	expr        Expression
	configFiles map[string]struct{}
}

// NewChangeFilter creates a filter from a compiled expression and the
// root-relative paths of the build configuration files
func NewChangeFilter(expr Expression, configFiles []string) *ChangeFilter {
	files := make(map[string]struct{}, len(configFiles))
	for _, f := range configFiles {
		if f = cleanRelative(f); f != "" {
			files[f] = struct{}{}
		}
	}
	return &ChangeFilter{expr: expr, configFiles: files}
}

// ShouldRebuild reports whether at least one file of the batch matches the expression
func (f *ChangeFilter) ShouldRebuild(batch models.ChangeBatch) bool {
	for _, file := range batch.Files {
		if f.expr.Evaluate(file) {
			return true
		}
	}
	return false
}

// IsFatalConfigChange reports whether any file of the batch is a build configuration file
func (f *ChangeFilter) IsFatalConfigChange(batch models.ChangeBatch) bool {
	for _, file := range batch.Files {
		if f.isConfigFile(file.Path) {
			return true
		}
	}
	return false
}

// FatalPaths returns the configuration files touched by the batch
func (f *ChangeFilter) FatalPaths(batch models.ChangeBatch) []string {
	var paths []string
	for _, file := range batch.Files {
		if f.isConfigFile(file.Path) {
			paths = append(paths, file.Path)
		}
	}
	return paths
}

// RelevantPaths returns the files of the batch matching the expression
func (f *ChangeFilter) RelevantPaths(batch models.ChangeBatch) []string {
	var paths []string
	for _, file := range batch.Files {
		if f.expr.Evaluate(file) {
			paths = append(paths, file.Path)
		}
	}
	return paths
}

func (f *ChangeFilter) isConfigFile(p string) bool {
	_, ok := f.configFiles[cleanRelative(p)]
	return ok
}
