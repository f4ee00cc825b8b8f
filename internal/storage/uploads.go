// Package storage persists uploaded images on the local filesystem.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Uploads writes each upload under a fixed directory.
type Uploads struct {
	dir string
}

// NewUploads creates dir if needed.
func NewUploads(dir string) (*Uploads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Uploads{dir: dir}, nil
}

// Save stores data as "<requestID>_<basename>" and returns the path written.
// The request ID prefix keeps concurrent uploads with the same name apart.
func (u *Uploads) Save(ctx context.Context, requestID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := SafeName(filename)
	if requestID != "" {
		name = requestID + "_" + name
	}
	path := filepath.Join(u.dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

// SafeName strips directories and separators a client may have put in a filename.
func SafeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch name {
	case ".", "/", "..", "":
		return "upload"
	}
	return name
}
