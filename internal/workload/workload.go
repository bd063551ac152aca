// Package workload reads the ordered list of identity/image pairs a fleet run
// evaluates.
package workload

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Spec is one workload: the identity being evaluated and the image to run.
type Spec struct {
	Identity string
	Image    string
	// Line is the 1-based source line the spec was read from.
	Line int
}

// Parse reads tab-separated identity/image rows. Blank lines, lines starting
// with '#', and rows with fewer than two fields are skipped. Extra fields are
// ignored.
func Parse(r io.Reader) ([]Spec, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var specs []Spec
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			continue
		}
		identity := strings.TrimSpace(fields[0])
		image := strings.TrimSpace(fields[1])
		if identity == "" || image == "" {
			continue
		}
		specs = append(specs, Spec{Identity: identity, Image: image, Line: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read workloads at line %d: %w", line+1, err)
	}
	return specs, nil
}

// Load parses the workload file at path.
func Load(path string) ([]Spec, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	specs, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// Duplicates returns identities that appear more than once, in first-seen
// order.
func Duplicates(specs []Spec) []string {
	seen := make(map[string]int, len(specs))
	var dups []string
	for _, spec := range specs {
		seen[spec.Identity]++
		if seen[spec.Identity] == 2 {
			dups = append(dups, spec.Identity)
		}
	}
	return dups
}

// FileName keeps an identity usable as a single path element. It is the one
// rule for every per-identity file a run writes.
func FileName(identity string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(identity))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
