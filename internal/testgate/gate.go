// Package testgate runs generated validation checks against an artifact
// after arbitration has accepted it.
package testgate

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeworks/forged/internal/build"
)

// Check is one named validation of an artifact.
type Check struct {
	Name string
	Run  func(ctx context.Context, artifact *build.Artifact) error
}

// CheckGenerator produces the checks for a given artifact. The default
// generator derives structural checks from the artifact itself; tests
// inject their own.
type CheckGenerator func(artifact *build.Artifact) []Check

// Gate executes generated checks and reports failures. It is invoked only
// after an accept or accept-with-warnings decision.
type Gate struct {
	generate CheckGenerator
}

// New creates a Gate. A nil generator uses the built-in structural checks.
func New(generate CheckGenerator) *Gate {
	if generate == nil {
		generate = structuralChecks
	}
	return &Gate{generate: generate}
}

// Run executes every generated check. It returns pass=true only when all
// checks succeed; otherwise the failure list names each failed check.
func (g *Gate) Run(ctx context.Context, artifact *build.Artifact) (bool, []string) {
	var failures []string
	for _, check := range g.generate(artifact) {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", check.Name, err))
			return false, failures
		}
		if err := check.Run(ctx, artifact); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", check.Name, err))
		}
	}
	return len(failures) == 0, failures
}

// structuralChecks derives per-file and cross-file validations.
func structuralChecks(artifact *build.Artifact) []Check {
	checks := []Check{{
		Name: "artifact-not-empty",
		Run: func(_ context.Context, a *build.Artifact) error {
			if a.Len() == 0 {
				return fmt.Errorf("no files generated")
			}
			return nil
		},
	}}

	for _, path := range artifact.Paths() {
		checks = append(checks, Check{
			Name: "file-valid:" + path,
			Run: func(_ context.Context, a *build.Artifact) error {
				content, ok := a.Get(path)
				if !ok {
					return fmt.Errorf("file missing from artifact")
				}
				if strings.TrimSpace(content) == "" {
					return fmt.Errorf("file is empty")
				}
				if strings.Contains(content, "TODO: implement") || strings.Contains(content, "...") && len(strings.TrimSpace(content)) < 10 {
					return fmt.Errorf("file looks like a stub")
				}
				return nil
			},
		})
	}

	checks = append(checks, Check{
		Name: "local-references-resolve",
		Run:  checkLocalReferences,
	})
	return checks
}

// checkLocalReferences verifies that relative imports/includes mentioning
// other generated files actually have a matching file in the artifact.
func checkLocalReferences(_ context.Context, a *build.Artifact) error {
	paths := make(map[string]bool)
	for _, p := range a.Paths() {
		paths[p] = true
		paths[strings.TrimSuffix(p, ".py")] = true
		paths[strings.TrimSuffix(p, ".js")] = true
	}

	for _, p := range a.Paths() {
		content, _ := a.Get(p)
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			ref := ""
			switch {
			case strings.HasPrefix(line, "from ") && strings.Contains(line, " import "):
				ref = strings.TrimPrefix(line, "from ")
				ref = strings.TrimSpace(strings.SplitN(ref, " import ", 2)[0])
			case strings.HasPrefix(line, "require('./"):
				ref = strings.TrimPrefix(line, "require('./")
				ref = strings.TrimSuffix(ref, "')")
			}
			// Only local single-module references are checked; anything with
			// a dot is assumed to be an external package.
			if ref == "" || strings.Contains(ref, ".") {
				continue
			}
			if !paths[ref] && !paths[ref+".py"] && !paths[ref+".js"] {
				return fmt.Errorf("%s references %q which was not generated", p, ref)
			}
		}
	}
	return nil
}
