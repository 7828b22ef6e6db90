// Package storage holds the media store used for question photos and
// attached files.
package storage

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Media identifies a stored object. ID is what Delete takes; URL is what
// clients fetch.
type Media struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type MediaStore interface {
	Store(ctx context.Context, name, contentType string, r io.Reader) (*Media, error)
	Delete(ctx context.Context, id string) error
}

// objectKey builds a collision-free key that keeps the original extension.
func objectKey(prefix, name string) string {
	ext := strings.ToLower(path.Ext(name))
	return path.Join(prefix, uuid.NewString()+ext)
}
