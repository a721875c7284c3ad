package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Known workspace tags.
const (
	Dev        = "dev"
	BackendDev = "backend_dev"
	Prod       = "prod"
)

var (
	// ErrUnknownWorkspaceTag means a path did not start with a configured tag.
	ErrUnknownWorkspaceTag = errors.New("unknown workspace tag")
	// ErrPathTraversal means a path resolved outside its workspace.
	ErrPathTraversal = errors.New("path traversal")
)

// Workspace is a tagged root directory.
type Workspace struct {
	Tag  string
	Root string
}

// Set is the immutable collection of workspaces for a session.
type Set struct {
	byTag map[string]Workspace
}

// NewSet builds a Set. Roots are made absolute; duplicate tags, empty
// roots and overlapping roots are rejected.
func NewSet(workspaces ...Workspace) (*Set, error) {
	s := &Set{byTag: make(map[string]Workspace, len(workspaces))}
	for _, w := range workspaces {
		if w.Tag == "" || strings.Contains(w.Tag, "/") {
			return nil, fmt.Errorf("invalid workspace tag %q", w.Tag)
		}
		if w.Root == "" {
			return nil, fmt.Errorf("workspace %s: root is empty", w.Tag)
		}
		if _, dup := s.byTag[w.Tag]; dup {
			return nil, fmt.Errorf("duplicate workspace tag %q", w.Tag)
		}
		abs, err := filepath.Abs(w.Root)
		if err != nil {
			return nil, fmt.Errorf("workspace %s: %w", w.Tag, err)
		}
		w.Root = filepath.Clean(abs)
		for _, other := range s.byTag {
			if within(other.Root, w.Root) || within(w.Root, other.Root) {
				return nil, fmt.Errorf("workspaces %s and %s overlap", other.Tag, w.Tag)
			}
		}
		s.byTag[w.Tag] = w
	}
	return s, nil
}

// Get returns the workspace for tag.
func (s *Set) Get(tag string) (Workspace, bool) {
	w, ok := s.byTag[tag]
	return w, ok
}

// Root returns the root for tag, or an ErrUnknownWorkspaceTag error.
func (s *Set) Root(tag string) (string, error) {
	w, ok := s.byTag[strings.TrimSuffix(tag, "/")]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownWorkspaceTag, tag)
	}
	return w.Root, nil
}

// Tags returns the configured tags, sorted.
func (s *Set) Tags() []string {
	tags := make([]string, 0, len(s.byTag))
	for t := range s.byTag {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Split separates "tag/rest" into tag and rest without validating either.
func Split(tagged string) (tag, rest string, ok bool) {
	tagged = filepath.ToSlash(tagged)
	i := strings.IndexByte(tagged, '/')
	if i <= 0 {
		return "", "", false
	}
	return tagged[:i], tagged[i+1:], true
}

// Resolve maps a tagged path like "dev/src/App.vue" to its workspace root
// and canonical absolute path. Symlinks are resolved for the deepest
// existing ancestor, so paths that do not exist yet are still checked.
// The result must lie inside the workspace root.
func (s *Set) Resolve(tagged string) (root, abs string, err error) {
	tag, rest, ok := Split(tagged)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownWorkspaceTag, tagged)
	}
	w, known := s.byTag[tag]
	if !known {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownWorkspaceTag, tagged)
	}
	if filepath.IsAbs(rest) || filepath.VolumeName(rest) != "" {
		return "", "", fmt.Errorf("%w: %q is absolute", ErrPathTraversal, tagged)
	}

	canonRoot, err := canonicalize(w.Root)
	if err != nil {
		return "", "", fmt.Errorf("resolve workspace %s: %w", tag, err)
	}
	target, err := canonicalize(filepath.Join(w.Root, filepath.FromSlash(rest)))
	if err != nil {
		return "", "", fmt.Errorf("resolve %q: %w", tagged, err)
	}
	if target == canonRoot || !within(canonRoot, target) {
		return "", "", fmt.Errorf("%w: %q escapes %s", ErrPathTraversal, tagged, tag)
	}
	return canonRoot, target, nil
}

// ResolveDir maps a shell cwd tag ("dev/", "backend_dev", "dev/src") to a
// directory. An empty value yields fallback.
func (s *Set) ResolveDir(cwd, fallback string) (string, error) {
	cwd = strings.TrimSpace(filepath.ToSlash(cwd))
	if cwd == "" || cwd == "." || cwd == "./" {
		return fallback, nil
	}
	if tag, rest, ok := Split(cwd); ok && strings.Trim(rest, "/") != "" {
		_, abs, err := s.Resolve(tag + "/" + rest)
		return abs, err
	}
	root, err := s.Root(cwd)
	if err != nil {
		return "", err
	}
	return canonicalize(root)
}

// canonicalize cleans p and resolves symlinks on the longest existing
// prefix, re-appending the components that do not exist yet.
func canonicalize(p string) (string, error) {
	p = filepath.Clean(p)
	var missing []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return filepath.Clean(resolved), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// within reports whether child is root or below it.
func within(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
