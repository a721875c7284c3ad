package llm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/match"

	"github.com/joescharf/devloop/internal/workspace"
)

// DefaultExcludedDirs are never walked.
var DefaultExcludedDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"__pycache__":  true,
	".vite":        true,
	".git":         true,
	".vscode":      true,
	".idea":        true,
}

// DefaultMaxFileBytes skips files larger than this.
const DefaultMaxFileBytes = 256 << 10

// ProjectFiles is the text content of the editable workspaces, keyed by
// tagged path.
type ProjectFiles struct {
	Paths    []string
	Contents map[string]string
	Skipped  int
}

// CollectFiles walks each workspace and reads every text file that is not
// excluded by name, by the workspace's .gitignore, by size, or because it
// looks binary. Missing roots are skipped.
func CollectFiles(workspaces []workspace.Workspace, maxFileBytes int64) (*ProjectFiles, error) {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	pf := &ProjectFiles{Contents: make(map[string]string)}

	for _, ws := range workspaces {
		if _, err := os.Stat(ws.Root); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		patterns, err := readGitignore(filepath.Join(ws.Root, ".gitignore"))
		if err != nil {
			return nil, err
		}

		err = filepath.WalkDir(ws.Root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == ws.Root {
				return nil
			}
			rel, err := filepath.Rel(ws.Root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if DefaultExcludedDirs[d.Name()] || ignored(rel, patterns) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || d.Name() == ".gitignore" || ignored(rel, patterns) {
				return nil
			}

			content, ok, err := readText(p, maxFileBytes)
			if err != nil {
				return err
			}
			if !ok {
				pf.Skipped++
				return nil
			}
			tagged := ws.Tag + "/" + rel
			pf.Paths = append(pf.Paths, tagged)
			pf.Contents[tagged] = content
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", ws.Tag, err)
		}
	}

	sort.Strings(pf.Paths)
	return pf, nil
}

// Size is the total byte count of the collected contents.
func (pf *ProjectFiles) Size() string {
	var n uint64
	for _, c := range pf.Contents {
		n += uint64(len(c))
	}
	return humanize.Bytes(n)
}

// Context renders every file as a "--- path ---" section. Files past
// maxBytes are listed but not included.
func (pf *ProjectFiles) Context(maxBytes int) string {
	var sb strings.Builder
	var omitted []string
	for _, p := range pf.Paths {
		section := fmt.Sprintf("--- %s ---\n%s", p, pf.Contents[p])
		if maxBytes > 0 && sb.Len()+len(section) > maxBytes {
			omitted = append(omitted, p)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(section)
	}
	if len(omitted) > 0 {
		fmt.Fprintf(&sb, "\n\n(%d file(s) omitted for size: %s)", len(omitted), strings.Join(omitted, ", "))
	}
	return sb.String()
}

func readGitignore(p string) ([]string, error) {
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		line = strings.TrimPrefix(line, "/")
		line = strings.TrimSuffix(line, "/")
		if line != "" {
			patterns = append(patterns, line)
		}
	}
	return patterns, sc.Err()
}

// ignored matches rel, and its base name for slash-free patterns, against
// gitignore-style globs.
func ignored(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if match.Match(rel, p) {
			return true
		}
		if !strings.Contains(p, "/") && match.Match(base, p) {
			return true
		}
	}
	return false
}

// readText returns the file's content when it is small UTF-8 text.
func readText(p string, maxBytes int64) (string, bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(data)) > maxBytes {
		return "", false, nil
	}
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if bytes.IndexByte(head, 0) >= 0 || !utf8.Valid(data) {
		return "", false, nil
	}
	return string(data), true, nil
}
