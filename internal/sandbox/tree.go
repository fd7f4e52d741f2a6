// Package sandbox runs a project's file tree as a local process and streams
// its output back to the requesting session.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidTree is returned for a file tree that cannot be written to disk.
var ErrInvalidTree = errors.New("invalid file tree")

const (
	maxTreeDepth = 32
	maxTreeFiles = 5000
)

// node is one entry of a file tree. Exactly one of File or Directory is set.
//
//	{"index.js": {"file": {"contents": "..."}},
//	 "src": {"directory": {"app.js": {"file": {"contents": "..."}}}}}
type node struct {
	File *struct {
		Contents string `json:"contents"`
	} `json:"file,omitempty"`
	Directory map[string]node `json:"directory,omitempty"`
}

// Materialize writes tree under dir and returns the number of files written.
// Entry names must be single path elements; anything that would escape dir is
// rejected before a byte is written.
func Materialize(dir string, tree json.RawMessage) (int, error) {
	var root map[string]node
	if len(tree) == 0 || string(tree) == "null" {
		return 0, nil
	}
	if err := json.Unmarshal(tree, &root); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTree, err)
	}

	files := make(map[string]string)
	if err := flatten(root, "", 0, files); err != nil {
		return 0, err
	}
	if len(files) > maxTreeFiles {
		return 0, fmt.Errorf("%w: %d files exceeds limit of %d", ErrInvalidTree, len(files), maxTreeFiles)
	}

	for rel, contents := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return 0, fmt.Errorf("create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			return 0, fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return len(files), nil
}

func flatten(entries map[string]node, prefix string, depth int, out map[string]string) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidTree, maxTreeDepth)
	}
	for name, n := range entries {
		if !validName(name) {
			return fmt.Errorf("%w: bad entry name %q", ErrInvalidTree, name)
		}
		rel := name
		if prefix != "" {
			rel = prefix + "/" + name
		}
		switch {
		case n.File != nil && n.Directory != nil:
			return fmt.Errorf("%w: %s is both file and directory", ErrInvalidTree, rel)
		case n.File != nil:
			out[rel] = n.File.Contents
		case n.Directory != nil:
			if err := flatten(n.Directory, rel, depth+1, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s has no file or directory", ErrInvalidTree, rel)
		}
	}
	return nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return !filepath.IsAbs(name) && filepath.VolumeName(name) == ""
}
