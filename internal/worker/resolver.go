package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that escape the worker root.
var ErrOutsideRoot = errors.New("path escapes worker root")

// Resolver confines paths to a root directory.
type Resolver struct {
	Root string
}

func (r Resolver) root() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve worker root: %w", err)
	}
	return abs, nil
}

// Resolve returns the absolute form of path. Relative paths are taken from
// base, which is itself resolved against the root first.
func (r Resolver) Resolve(base, path string) (string, error) {
	rootAbs, err := r.root()
	if err != nil {
		return "", err
	}
	dir := rootAbs
	if base = strings.TrimSpace(base); base != "" {
		if dir, err = r.within(rootAbs, rootAbs, base); err != nil {
			return "", err
		}
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return dir, nil
	}
	return r.within(rootAbs, dir, path)
}

func (r Resolver) within(rootAbs, dir, path string) (string, error) {
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return target, nil
}
