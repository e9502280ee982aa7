// Package storage wraps a filesystem root holding raw uploaded files and
// generated exports, laid out as {root}/uploads/{uploadID}/ and
// {root}/exports/.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root is the filesystem area BatchOps stages uploaded files and exports
// under.
type Root struct {
	base string
}

// NewRoot creates the storage area, ensuring its top-level directories
// exist.
func NewRoot(base string) (*Root, error) {
	r := &Root{base: base}
	for _, dir := range []string{r.uploadsDir(), r.exportsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return r, nil
}

func (r *Root) uploadsDir() string { return filepath.Join(r.base, "uploads") }
func (r *Root) exportsDir() string { return filepath.Join(r.base, "exports") }

// UploadDir returns the directory an Upload's raw file and working
// artifacts live under, creating it if necessary.
func (r *Root) UploadDir(uploadID string) (string, error) {
	dir := filepath.Join(r.uploadsDir(), uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory %s: %w", dir, err)
	}
	return dir, nil
}

// UploadFilePath returns the path an Upload's source file should live at
// within its directory.
func (r *Root) UploadFilePath(uploadID, filename string) (string, error) {
	dir, err := r.UploadDir(uploadID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(filename)), nil
}

// ExportsDir returns the shared directory generated CSV/PDF exports are
// written to before being attached to an Upload record.
func (r *Root) ExportsDir() string {
	return r.exportsDir()
}
