// Package workspace materializes a project's source files into a private
// directory tree that lives for exactly one build.
package workspace

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrPathEscape is returned for a file path that would resolve outside the workspace root.
var ErrPathEscape = errors.New("path escapes workspace")

// SourceFile is a single project file as returned by the file store.
type SourceFile struct {
	Path    string
	Content []byte
}

// Error describes a staging failure for a particular file or step.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("workspace %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("workspace %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Workspace is an exclusively owned directory populated for one build.
type Workspace struct {
	dir     string
	once    sync.Once
	release error
}

// Dir returns the absolute host path of the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// Release removes the workspace tree. It is safe to call more than once.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.release = fmt.Errorf("release workspace %s: %w", w.dir, err)
			log.Printf("workspace cleanup failed: %v", w.release)
		}
	})
	return w.release
}

// Stager creates workspaces under a common root directory.
type Stager struct {
	root string
}

// NewStager returns a stager rooted at root, or the system temp dir when root is empty.
func NewStager(root string) *Stager {
	return &Stager{root: root}
}

// Stage creates a fresh workspace and writes files into it in order.
// On any failure the partially written directory is removed before returning.
func (s *Stager) Stage(files []SourceFile) (*Workspace, error) {
	dir, err := os.MkdirTemp(s.root, "build-*")
	if err != nil {
		return nil, &Error{Op: "create", Err: err}
	}
	ws := &Workspace{dir: dir}

	for _, f := range files {
		if err := ws.write(f); err != nil {
			_ = ws.Release()
			return nil, err
		}
	}
	return ws, nil
}

func (w *Workspace) write(f SourceFile) error {
	rel, err := Resolve(f.Path)
	if err != nil {
		return &Error{Op: "resolve", Path: f.Path, Err: err}
	}
	target := filepath.Join(w.dir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &Error{Op: "mkdir", Path: f.Path, Err: err}
	}
	if err := os.WriteFile(target, f.Content, 0o644); err != nil {
		return &Error{Op: "write", Path: f.Path, Err: err}
	}
	return nil
}

// Resolve canonicalizes a project-relative path. Leading '/' and '\' are
// stripped; any other character, including an inner backslash, is kept as
// part of the name. The result must be a non-empty local path.
func Resolve(p string) (string, error) {
	trimmed := strings.TrimLeft(p, `/\`)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	clean := filepath.Clean(filepath.FromSlash(trimmed))
	if clean == "." || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return clean, nil
}
