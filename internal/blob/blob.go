// Package blob stores uploaded images and redacted results in an object store.
// Keys are always chosen by the caller.
package blob

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnavailable = errors.New("object store unavailable")
)

// Object is a stored blob and the content type it was written with.
type Object struct {
	Data        []byte
	ContentType string
}

// Store is the object store adapter used by the gateway and the workers.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// URLSigner is implemented by stores that can hand out time-limited read URLs.
type URLSigner interface {
	PresignGet(key string, ttl time.Duration) (string, error)
}

// AsSigner returns the URLSigner behind s, looking through decorators.
func AsSigner(s Store) (URLSigner, bool) {
	for s != nil {
		if signer, ok := s.(URLSigner); ok {
			return signer, true
		}
		u, ok := s.(interface{ Unwrap() Store })
		if !ok {
			return nil, false
		}
		s = u.Unwrap()
	}
	return nil, false
}
