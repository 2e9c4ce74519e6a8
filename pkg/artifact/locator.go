// Package artifact finds the binary produced by a build inside its workspace.
package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"
)

// Artifact is the single binary output of a build.
type Artifact struct {
	Filename string
	Bytes    []byte
}

// Digest returns the blake2b-256 content hash of the artifact.
func (a *Artifact) Digest() string {
	sum := blake2b.Sum256(a.Bytes)
	return "blake2b-256:" + hex.EncodeToString(sum[:])
}

// Spec tells the locator where and what to look for.
type Spec struct {
	// Dir is the output directory relative to the workspace root.
	Dir string
	// Extension is the required filename suffix, e.g. ".wasm".
	Extension string
	// DepfileMarker excludes any filename containing it, e.g. ".d".
	DepfileMarker string
}

// Selection records which artifact was chosen among the qualifying candidates.
type Selection struct {
	Candidates []string
	Chosen     string
}

// Ambiguous reports whether more than one file qualified.
func (s Selection) Ambiguous() bool { return len(s.Candidates) > 1 }

// ErrOutsideWorkspace is returned when the output directory resolves to a
// location outside the workspace root.
var ErrOutsideWorkspace = errors.New("output directory resolves outside the workspace")

// Locate scans root/spec.Dir for the artifact. Candidates are ordered by
// filename and the first readable one wins, so repeated builds producing the
// same set of files pick the same artifact. A missing output directory is not
// an error; it yields a nil artifact.
//
// The workspace is writable by the build, so symlinks are never followed out
// of it: the output directory must resolve inside root and only regular files
// opened without following links are read.
func Locate(root string, spec Spec) (*Artifact, Selection, error) {
	dir, err := outputDir(root, spec.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Selection{}, nil
		}
		return nil, Selection{}, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Selection{}, nil
		}
		return nil, Selection{}, fmt.Errorf("read output dir %s: %w", spec.Dir, err)
	}

	var sel Selection
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !Qualifies(entry.Name(), spec) {
			continue
		}
		sel.Candidates = append(sel.Candidates, entry.Name())
	}
	sort.Strings(sel.Candidates)

	for _, name := range sel.Candidates {
		data, err := readRegular(filepath.Join(dir, name))
		if err != nil {
			log.Printf("skipping unreadable artifact %s: %v", name, err)
			continue
		}
		sel.Chosen = name
		return &Artifact{Filename: name, Bytes: data}, sel, nil
	}
	return nil, sel, nil
}

// outputDir resolves rel under root and rejects results that leave root.
func outputDir(root, rel string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	dir, err := filepath.EvalSymlinks(filepath.Join(realRoot, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	inside, err := filepath.Rel(realRoot, dir)
	if err != nil || (inside != "." && !filepath.IsLocal(inside)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, rel)
	}
	return dir, nil
}

// readRegular reads path without following a final symlink and only if it is
// a regular file at the time it is opened.
func readRegular(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", filepath.Base(path))
	}
	return io.ReadAll(f)
}

// Qualifies reports whether name looks like the build artifact.
func Qualifies(name string, spec Spec) bool {
	if !strings.HasSuffix(name, spec.Extension) {
		return false
	}
	if spec.DepfileMarker != "" && strings.Contains(name, spec.DepfileMarker) {
		return false
	}
	return true
}
