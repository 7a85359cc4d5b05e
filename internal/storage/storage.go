// Package storage keeps attachment blobs out of the message table.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("storage: object not found")

// Object is an open blob. Callers must Close it.
type Object struct {
	io.ReadCloser
	ContentType string
	Size        int64
}

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (*Object, error)
	Remove(ctx context.Context, key string) error
}

// URLPrefix is the HTTP route attachments are served from.
const URLPrefix = "/api/files/"

// ObjectKey places an upload under its conversation with a unique prefix,
// so two uploads with the same file name never collide.
func ObjectKey(conversationID, filename string) string {
	return path.Join("conversations", conversationID, uuid.NewString(), cleanName(filename))
}

func URL(key string) string {
	return URLPrefix + key
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
