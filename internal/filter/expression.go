// Package filter decides which changed files are relevant to a rebuild.
//
// An Expression is an immutable predicate tree evaluated against one changed
// file. The terms mirror the query language of file watch services (allof,
// anyof, not, match, dirname, name) so the same tree can be handed to the
// service and re-checked locally.
package filter

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lumidev/lumidev/pkg/models"
)

// Scope selects which part of a path a pattern is matched against
type Scope string

const (
	// ScopeBasename matches against the final path element
	ScopeBasename Scope = "basename"
	// ScopeWholename matches against the full path relative to the watch root
	ScopeWholename Scope = "wholename"
)

// Expression is a predicate over a changed file
type Expression interface {
	// Evaluate reports whether the file satisfies the expression
	Evaluate(file models.ChangeEvent) bool
	// Validate checks every pattern in the tree
	Validate() error
	json.Marshaler
}

type allOf []Expression

// AllOf matches when every operand matches. An empty AllOf matches everything.
func AllOf(exprs ...Expression) Expression {
	return allOf(append([]Expression(nil), exprs...))
}

func (e allOf) Evaluate(file models.ChangeEvent) bool {
	for _, sub := range e {
		if !sub.Evaluate(file) {
			return false
		}
	}
	return true
}

func (e allOf) Validate() error { return validateAll(e) }

func (e allOf) MarshalJSON() ([]byte, error) { return marshalList("allof", e) }

type anyOf []Expression

// AnyOf matches when at least one operand matches. An empty AnyOf matches nothing.
func AnyOf(exprs ...Expression) Expression {
	return anyOf(append([]Expression(nil), exprs...))
}

func (e anyOf) Evaluate(file models.ChangeEvent) bool {
	for _, sub := range e {
		if sub.Evaluate(file) {
			return true
		}
	}
	return false
}

func (e anyOf) Validate() error { return validateAll(e) }

func (e anyOf) MarshalJSON() ([]byte, error) { return marshalList("anyof", e) }

type not struct {
	expr Expression
}

// Not inverts an expression
func Not(expr Expression) Expression {
	return not{expr: expr}
}

func (e not) Evaluate(file models.ChangeEvent) bool {
	return !e.expr.Evaluate(file)
}

func (e not) Validate() error { return e.expr.Validate() }

func (e not) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"not", e.expr})
}

type match struct {
	pattern string
	scope   Scope
}

// Match matches the basename of the path against a glob pattern
func Match(pattern string) Expression {
	return match{pattern: pattern, scope: ScopeBasename}
}

// MatchWholename matches the full relative path against a glob pattern; ** spans directories
func MatchWholename(pattern string) Expression {
	return match{pattern: pattern, scope: ScopeWholename}
}

func (e match) Evaluate(file models.ChangeEvent) bool {
	subject := file.Path
	if e.scope == ScopeBasename {
		subject = path.Base(file.Path)
	}
	matched, err := doublestar.Match(e.pattern, subject)
	return err == nil && matched
}

func (e match) Validate() error {
	if !doublestar.ValidatePattern(e.pattern) {
		return fmt.Errorf("invalid glob pattern %q", e.pattern)
	}
	return nil
}

func (e match) MarshalJSON() ([]byte, error) {
	if e.scope == ScopeWholename {
		return json.Marshal([]interface{}{"match", e.pattern, string(e.scope)})
	}
	return json.Marshal([]interface{}{"match", e.pattern})
}

type dirName struct {
	dir string
}

// DirName matches paths located inside dir at any depth. The empty dir is the watch root.
func DirName(dir string) Expression {
	return dirName{dir: cleanRelative(dir)}
}

func (e dirName) Evaluate(file models.ChangeEvent) bool {
	if e.dir == "" {
		return true
	}
	return strings.HasPrefix(file.Path, e.dir+"/")
}

func (e dirName) Validate() error {
	if strings.HasPrefix(e.dir, "../") || e.dir == ".." {
		return fmt.Errorf("dirname %q is outside the watch root", e.dir)
	}
	return nil
}

func (e dirName) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"dirname", e.dir})
}

type name struct {
	names map[string]struct{}
	order []string
	scope Scope
}

// Name matches paths equal to one of the given relative paths
func Name(names ...string) Expression {
	return newName(ScopeWholename, names)
}

// BaseName matches paths whose final element equals one of names
func BaseName(names ...string) Expression {
	return newName(ScopeBasename, names)
}

func newName(scope Scope, names []string) Expression {
	e := name{names: make(map[string]struct{}, len(names)), scope: scope}
	for _, n := range names {
		if scope == ScopeWholename {
			n = cleanRelative(n)
		}
		if _, dup := e.names[n]; dup || n == "" {
			continue
		}
		e.names[n] = struct{}{}
		e.order = append(e.order, n)
	}
	return e
}

func (e name) Evaluate(file models.ChangeEvent) bool {
	subject := file.Path
	if e.scope == ScopeBasename {
		subject = path.Base(file.Path)
	}
	_, ok := e.names[subject]
	return ok
}

func (e name) Validate() error { return nil }

func (e name) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"name", e.order, string(e.scope)})
}

type constant bool

// True matches every file
func True() Expression { return constant(true) }

// False matches no file
func False() Expression { return constant(false) }

func (e constant) Evaluate(models.ChangeEvent) bool { return bool(e) }

func (e constant) Validate() error { return nil }

func (e constant) MarshalJSON() ([]byte, error) {
	if e {
		return []byte(`"true"`), nil
	}
	return []byte(`"false"`), nil
}

func validateAll(exprs []Expression) error {
	for _, sub := range exprs {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func marshalList(op string, exprs []Expression) ([]byte, error) {
	out := make([]interface{}, 0, len(exprs)+1)
	out = append(out, op)
	for _, sub := range exprs {
		out = append(out, sub)
	}
	return json.Marshal(out)
}

// cleanRelative normalizes a root-relative path to slash form without a leading "./"
func cleanRelative(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	if p == "." || p == "/" {
		return ""
	}
	return strings.TrimPrefix(p, "./")
}

// Rules is the static configuration an Expression is compiled from
type Rules struct {
	// Extensions of interest, with leading dot (".res")
	Extensions []string
	// ExcludeDirs are root-relative directories whose contents never trigger a rebuild
	ExcludeDirs []string
	// ExcludeWholename are globs matched against the root-relative path
	ExcludeWholename []string
	// ExcludeBasename are globs matched against the file name
	ExcludeBasename []string
	// AlwaysInclude are root-relative paths reported regardless of the other rules
	AlwaysInclude []string
}

// Compile builds the watch expression for the rules:
//
//	anyof(
//	  allof(anyof(match *ext...), not(dirname d)..., not(match p wholename)..., not(match p)...),
//	  name(alwaysInclude...))
func (r Rules) Compile() Expression {
	extensions := make([]Expression, 0, len(r.Extensions))
	seen := make(map[string]bool)
	for _, ext := range r.Extensions {
		ext = strings.TrimSpace(ext)
		if ext == "" || seen[ext] {
			continue
		}
		seen[ext] = true
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions = append(extensions, Match("*"+ext))
	}

	terms := []Expression{AnyOf(extensions...)}
	for _, dir := range r.ExcludeDirs {
		terms = append(terms, Not(DirName(dir)))
	}
	for _, p := range r.ExcludeWholename {
		terms = append(terms, Not(MatchWholename(p)))
	}
	for _, p := range r.ExcludeBasename {
		terms = append(terms, Not(Match(p)))
	}

	expr := AllOf(terms...)
	if len(r.AlwaysInclude) == 0 {
		return expr
	}
	return AnyOf(expr, Name(r.AlwaysInclude...))
}
