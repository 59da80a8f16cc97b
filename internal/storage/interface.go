package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// ObjectStorage defines the object store operations used by the response archive
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)
}

// ResponseKey builds the archive key for one raw control-mode response:
// <prefix>/<run_id>/<plant_code>.json. Characters that are unsafe in object
// keys are replaced with '_'.
func ResponseKey(prefix, runID, plantCode string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.' || r == '=':
			return r
		}
		return '_'
	}, plantCode)
	return path.Join(strings.Trim(prefix, "/"), runID, safe+".json")
}
