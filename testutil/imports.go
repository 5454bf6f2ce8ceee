// Package testutil holds helpers that keep the package layering honest:
// the domain package stays free of implementations, and the registration
// pipeline only reaches the application server through domain contracts.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Module is the import path prefix of this repository.
const Module = "datastore/"

// Rule reports whether an import path is forbidden for a package.
type Rule func(importPath string) bool

// Internal forbids every package below internal/.
func Internal(path string) bool {
	return strings.HasPrefix(path, Module+"internal/")
}

// Package forbids one module package and its sub packages.
func Package(rel string) Rule {
	full := Module + strings.Trim(rel, "/")
	return func(path string) bool {
		return path == full || strings.HasPrefix(path, full+"/")
	}
}

// Imports lists the distinct imports of the non-test Go files in dir.
func Imports(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	seen := map[string]struct{}{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			seen[strings.Trim(imp.Path.Value, `"`)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Violations returns the imports of dir matched by any rule.
func Violations(dir string, rules ...Rule) ([]string, error) {
	imports, err := Imports(dir)
	if err != nil {
		return nil, err
	}
	var bad []string
	for _, p := range imports {
		for _, r := range rules {
			if r(p) {
				bad = append(bad, p)
				break
			}
		}
	}
	return bad, nil
}

// AssertImports fails t when a non-test file in dir imports a forbidden
// package.
func AssertImports(t testing.TB, dir, reason string, rules ...Rule) {
	t.Helper()
	bad, err := Violations(dir, rules...)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	if len(bad) > 0 {
		t.Fatalf("forbidden imports in %s (%s):\n%s", dir, reason, strings.Join(bad, "\n"))
	}
}
