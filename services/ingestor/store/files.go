package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPath is returned by Resolve for paths that escape the upload
// directory or do not follow the submission layout.
var ErrInvalidPath = errors.New("store: invalid file path")

// orphanGrace is how long an upload directory without a matching DB row
// may exist before the janitor removes it. Covers in-flight ingests.
const orphanGrace = time.Hour

// FileStore keeps uploaded documents on disk, one subdirectory per
// submission: {root}/{submissionID}/{submissionID}_{i}_{name}.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		root = "uploads"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("store: resolving upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating upload dir: %w", err)
	}
	return &FileStore{root: abs}, nil
}

func (f *FileStore) Root() string { return f.root }

// Save writes one uploaded file and returns its path relative to the
// upload root. The original name is sanitized, never trusted.
func (f *FileStore) Save(submissionID string, index int, originalName string, data []byte) (string, error) {
	dir := filepath.Join(f.root, submissionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: creating submission dir: %w", err)
	}
	name := fmt.Sprintf("%s_%d_%s", submissionID, index, sanitizeFilename(originalName))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("store: writing upload: %w", err)
	}
	return filepath.ToSlash(filepath.Join(submissionID, name)), nil
}

// URL maps a relative upload path to its serving route.
func (f *FileStore) URL(relPath string) string {
	return "/api/v1/files/" + relPath
}

// Resolve maps a relative path from the files route back to an absolute
// path, rejecting anything that walks out of the upload root.
func (f *FileStore) Resolve(relPath string) (string, error) {
	if relPath == "" || strings.Contains(relPath, "..") || strings.HasPrefix(relPath, "/") {
		return "", ErrInvalidPath
	}
	abs := filepath.Join(f.root, filepath.FromSlash(relPath))
	if !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return abs, nil
}

// Read returns the contents of one stored file.
func (f *FileStore) Read(relPath string) ([]byte, error) {
	abs, err := f.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("store: reading upload: %w", err)
	}
	return data, nil
}

// List returns a submission's stored files in upload order. The index
// embedded in the name makes lexicographic order the upload order for
// fewer than ten files, which the per-request file cap guarantees.
func (f *FileStore) List(submissionID string) ([]string, error) {
	dir := filepath.Join(f.root, submissionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: listing uploads for %s: %w", submissionID, err)
	}
	rels := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rels = append(rels, filepath.ToSlash(filepath.Join(submissionID, e.Name())))
	}
	sort.Strings(rels)
	return rels, nil
}

// Remove deletes a submission's upload directory.
func (f *FileStore) Remove(submissionID string) error {
	if submissionID == "" || strings.ContainsAny(submissionID, "/\\.") {
		return ErrInvalidPath
	}
	return os.RemoveAll(filepath.Join(f.root, submissionID))
}

// Reap deletes upload directories older than the grace period whose
// submission id has no database row.
func (f *FileStore) Reap(ctx context.Context, hasRow func(context.Context, string) (bool, error)) (int, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return 0, fmt.Errorf("store: scanning upload root: %w", err)
	}
	reaped := 0
	cutoff := time.Now().Add(-orphanGrace)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		exists, err := hasRow(ctx, e.Name())
		if err != nil {
			return reaped, err
		}
		if exists {
			continue
		}
		if err := os.RemoveAll(filepath.Join(f.root, e.Name())); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// sanitizeFilename keeps a conservative character set and caps length.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		out = "upload"
	}
	if len(out) > 128 {
		out = out[len(out)-128:]
	}
	return out
}
