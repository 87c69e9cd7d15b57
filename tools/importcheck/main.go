// Command importcheck keeps the signing core free of transport, storage and
// logging imports.
//
// The core packages (artifact, canonicalize, crypto, fedmcperr, verifier)
// must stay usable as a library without pulling in the server stack.
//
// Usage:
//
//	go run ./tools/importcheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var corePackages = []string{"artifact", "canonicalize", "crypto", "fedmcperr", "verifier"}

// Forbidden import path prefixes for non-test files in corePackages.
var forbidden = []string{
	"net/http",
	"database/sql",
	"log/slog",
	"github.com/fedmcp/fedmcp/pkg/api",
	"github.com/fedmcp/fedmcp/pkg/audit",
	"github.com/fedmcp/fedmcp/pkg/client",
	"github.com/fedmcp/fedmcp/pkg/notary",
	"github.com/fedmcp/fedmcp/pkg/observability",
	"github.com/fedmcp/fedmcp/pkg/store",
	"github.com/fedmcp/fedmcp/cmd/",
}

// Violation is one forbidden import.
type Violation struct {
	File   string
	Line   int
	Import string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q", v.File, v.Line, v.Import)
}

func main() {
	root := flag.String("root", ".", "Module root directory")
	flag.Parse()

	violations, err := Check(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	for _, v := range violations {
		fmt.Println("IMPORT VIOLATION:", v)
	}
	if len(violations) > 0 {
		fmt.Printf("\n%d import violation(s) found\n", len(violations))
		os.Exit(1)
	}
	fmt.Println("import check passed")
}

// Check scans the core packages under root/pkg.
func Check(root string) ([]Violation, error) {
	var out []Violation
	fset := token.NewFileSet()
	for _, pkg := range corePackages {
		dir := filepath.Join(root, "pkg", pkg)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				p := strings.Trim(imp.Path.Value, `"`)
				if isForbidden(p) {
					rel, _ := filepath.Rel(root, path)
					out = append(out, Violation{File: rel, Line: fset.Position(imp.Pos()).Line, Import: p})
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isForbidden(importPath string) bool {
	for _, f := range forbidden {
		if importPath == f || strings.HasPrefix(importPath, strings.TrimSuffix(f, "/")+"/") {
			return true
		}
	}
	return false
}
