// Package allowlist resolves the configured command allow-list at startup
// and answers call-time lookups. The resolved set is the only callable
// binary set for the life of the process.
package allowlist

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/valetd/valet/internal/core"
)

// List holds the resolved allow-list. Immutable after Resolve.
type List struct {
	paths  mapset.Set[string] // canonical absolute paths
	byName map[string]string  // configured base name -> canonical path
}

// Resolve canonicalizes each configured entry. Absolute entries are
// stat-verified; bare names are resolved through the lookup path. Any entry
// that fails to resolve, or two entries sharing a base name, abort startup.
func Resolve(entries []string) (*List, error) {
	list := &List{
		paths:  mapset.NewSet[string](),
		byName: make(map[string]string, len(entries)),
	}

	for _, entry := range entries {
		var path string
		if strings.ContainsRune(entry, filepath.Separator) {
			if !filepath.IsAbs(entry) {
				return nil, fmt.Errorf("allowed command %q must be an absolute path or a bare name", entry)
			}
			path = entry
		} else {
			found, err := exec.LookPath(entry)
			if err != nil {
				return nil, fmt.Errorf("allowed command %q not found in lookup path: %w", entry, err)
			}
			path = found
		}

		canonical, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil, fmt.Errorf("allowed command %q cannot be resolved: %w", entry, err)
		}
		info, err := os.Stat(canonical)
		if err != nil {
			return nil, fmt.Errorf("allowed command %q is not accessible: %w", entry, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("allowed command %q is a directory", entry)
		}

		// Index under the configured name, not the canonical one: a
		// symlinked binary (sh -> dash) must stay callable as "sh".
		name := filepath.Base(entry)
		if existing, ok := list.byName[name]; ok && existing != canonical {
			return nil, fmt.Errorf("allowed commands %q and %q share the name %q", existing, canonical, name)
		}
		list.paths.Add(canonical)
		list.byName[name] = canonical
	}

	return list, nil
}

// Names returns the base names of the resolved commands.
func (l *List) Names() []string {
	names := make([]string, 0, len(l.byName))
	for name := range l.byName {
		names = append(names, name)
	}
	return names
}

// Lookup matches a caller-supplied cmd against the resolved set and
// returns the absolute program path. Paths match by canonical form; bare
// names match the configured name or, failing that, resolve through the
// lookup path onto an allowed canonical binary. A miss is ExecDenied.
func (l *List) Lookup(cmd string) (string, error) {
	if strings.ContainsRune(cmd, filepath.Separator) {
		canonical, err := filepath.EvalSymlinks(cmd)
		if err != nil || !l.paths.Contains(canonical) {
			return "", core.E(core.KindExecDenied, "command not allowed")
		}
		return canonical, nil
	}

	if path, ok := l.byName[cmd]; ok {
		return path, nil
	}

	// The caller may use the binary's own name where the config used a
	// symlink alias (or the reverse). Resolve the name the same way
	// Resolve did and accept it only if it lands on an allowed binary.
	found, err := exec.LookPath(cmd)
	if err != nil {
		return "", core.E(core.KindExecDenied, "command not allowed")
	}
	canonical, err := filepath.EvalSymlinks(found)
	if err != nil || !l.paths.Contains(canonical) {
		return "", core.E(core.KindExecDenied, "command not allowed")
	}
	return canonical, nil
}
