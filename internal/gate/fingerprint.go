package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DefaultFingerprintExclude lists directory names skipped when hashing the
// workspace.
var DefaultFingerprintExclude = []string{".git", ".taskloop", "node_modules"}

// Fingerprinter produces a content hash of the workspace.
type Fingerprinter interface {
	Fingerprint() (string, error)
}

// WorkspaceFingerprinter hashes every regular file under Root, in sorted
// path order, together with its mode. Directories named in Exclude are
// skipped at any depth.
type WorkspaceFingerprinter struct {
	Root    string
	Exclude []string
}

// NewWorkspaceFingerprinter creates a fingerprinter with the default
// exclusions plus extra.
func NewWorkspaceFingerprinter(root string, extra ...string) *WorkspaceFingerprinter {
	exclude := append(append([]string{}, DefaultFingerprintExclude...), extra...)
	return &WorkspaceFingerprinter{Root: root, Exclude: exclude}
}

// Fingerprint implements Fingerprinter.
func (w *WorkspaceFingerprinter) Fingerprint() (string, error) {
	skip := make(map[string]bool, len(w.Exclude))
	for _, name := range w.Exclude {
		skip[name] = true
	}

	var paths []string
	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.Root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() || d.Type()&fs.ModeSymlink != 0 {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return "", err
		}
		info, err := os.Lstat(path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", rel, err)
		}
		fmt.Fprintf(h, "%s\x00%o\x00", filepath.ToSlash(rel), info.Mode())

		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return "", fmt.Errorf("readlink %s: %w", rel, err)
			}
			io.WriteString(h, target)
		} else if err := hashFile(h, path); err != nil {
			return "", fmt.Errorf("hash %s: %w", rel, err)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
