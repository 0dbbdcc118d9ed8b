package store

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/samber/lo"
)

var ErrNotFound = errors.New("object not found")

type Object struct {
	Key          string
	Metadata     map[string]string
	LastModified time.Time
}

// Get returns the unescaped metadata value for key.
func (o Object) Get(key string) string {
	v := o.Metadata[key]
	if unescaped, err := url.QueryUnescape(v); err == nil {
		return unescaped
	}
	return v
}

type Inspector interface {
	Inspect(context.Context, string) (Object, error)
}

// EscapeMetadata makes values safe for object metadata headers, which only
// carry ASCII.
func EscapeMetadata(m map[string]string) map[string]string {
	return lo.MapValues(m, func(v string, _ string) string {
		return url.QueryEscape(v)
	})
}
