// Package pathsafe canonicalizes caller-supplied paths and proves the final
// target lies inside the configured root, including through symbolic links
// and non-existent write targets.
package pathsafe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/valetd/valet/internal/core"
)

// Mode selects the resolution contract: reads require the full path to
// exist, writes require only the parent directory.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// Resolver checks paths against a single canonical root. The root must
// already be absolute with symlinks resolved (config.Load guarantees this).
type Resolver struct {
	root string
}

func New(canonicalRoot string) *Resolver {
	return &Resolver{root: canonicalRoot}
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve returns the absolute canonical path for input iff it lies within
// the root. Relative inputs are joined to the root. A lexical ".." escape
// fails before any I/O; a symlink escape fails after resolution even when
// the lexical form looked safe.
func (r *Resolver) Resolve(input string, mode Mode) (string, error) {
	joined := input
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(r.root, joined)
	}
	cleaned := filepath.Clean(joined)

	if !r.contains(cleaned) {
		return "", core.E(core.KindPathOutsideRoot, "path escapes root")
	}

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		if !r.contains(resolved) {
			return "", core.E(core.KindPathOutsideRoot, "path escapes root after symlink resolution")
		}
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", core.Wrap(core.KindIo, err, "failed to resolve path")
	}

	if mode == ModeRead {
		return "", core.E(core.KindNotFound, "file not found")
	}

	// Write target need not exist, but its parent must.
	parent, err := filepath.EvalSymlinks(filepath.Dir(cleaned))
	if err != nil {
		if os.IsNotExist(err) {
			return "", core.E(core.KindNotFound, "parent directory not found")
		}
		return "", core.Wrap(core.KindIo, err, "failed to resolve parent directory")
	}
	if !r.contains(parent) {
		return "", core.E(core.KindPathOutsideRoot, "parent directory escapes root")
	}
	return filepath.Join(parent, filepath.Base(cleaned)), nil
}

// contains reports whether p equals the root or sits below it with a
// separator boundary, so /root/x never accepts /rootdir/x.
func (r *Resolver) contains(p string) bool {
	return p == r.root || strings.HasPrefix(p, r.root+string(filepath.Separator))
}
