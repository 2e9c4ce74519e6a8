package filestore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vyvo/contractbuild/backend/pkg/workspace"
)

// Dir serves the files of a local directory as a single project. Hidden
// entries and the cargo target directory are skipped.
type Dir struct {
	Root string
}

// ListProjectFiles walks d.Root in lexical order. The project id is ignored.
func (d Dir) ListProjectFiles(ctx context.Context, _ string) ([]workspace.SourceFile, error) {
	var files []workspace.SourceFile
	err := filepath.WalkDir(d.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == d.Root {
			return nil
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || (entry.IsDir() && name == "target") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, workspace.SourceFile{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.Root, err)
	}
	return files, nil
}
