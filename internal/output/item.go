// Package output converts raw captured runtime output into structured,
// size-bounded items, spilling oversized payloads to blob storage.
package output

import "time"

// Item kinds. The kind describes what the payload is, never where it lives.
const (
	KindText  = "text"
	KindImage = "image"
	KindError = "error"
)

// StorageRef points at a spilled payload in the blob store.
type StorageRef struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Item is one piece of captured output. Exactly one of Inline and Ref is
// populated.
type Item struct {
	Kind   string      `json:"kind"`
	Inline []byte      `json:"data,omitempty"` // base64 on the wire
	Ref    *StorageRef `json:"ref,omitempty"`
}

// Capture is the raw output of one execution unit, before serialization.
type Capture struct {
	SessionID string
	Index     int
	Stdout    []byte
	ErrText   []byte   // traceback / stderr of a failed unit
	Images    [][]byte // rendered figures, PNG bytes
}
