// Package blob is the persistence gateway for oversized execution outputs:
// byte payloads go in, time-limited retrieval URLs come out. Durability is
// the backing object store's problem, not ours.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached or
// refuses the operation. Callers degrade to inline truncation rather than
// failing the execution.
var ErrUnavailable = errors.New("blob store unavailable")

// Store uploads payloads and signs retrieval URLs.
type Store interface {
	// Put stores data under key with the given content type.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Sign returns a retrieval URL for key valid for ttl.
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}
