package output

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/blob"
	"sandbox-sessions/internal/monitor"
)

// Default inline thresholds and signed-URL lifetime. Images get a larger
// threshold because binary rendering output is routinely bigger than text.
const (
	DefaultTextInline  = 64 << 10 // 64 KiB
	DefaultImageInline = 4 << 20  // 4 MiB
	DefaultURLTTL      = 24 * time.Hour
	DefaultPutTimeout  = 30 * time.Second
)

// Serializer turns Captures into Items, deciding inline vs spill per
// payload.
type Serializer struct {
	store       blob.Store
	metrics     *monitor.Metrics
	textInline  int
	imageInline int
	urlTTL      time.Duration
	putTimeout  time.Duration
}

// Options overrides the serializer defaults; zero values keep them.
type Options struct {
	Metrics     *monitor.Metrics
	TextInline  int
	ImageInline int
	URLTTL      time.Duration
	PutTimeout  time.Duration
}

// NewSerializer creates a serializer spilling to store.
func NewSerializer(store blob.Store, opts Options) *Serializer {
	s := &Serializer{
		store:       store,
		metrics:     opts.Metrics,
		textInline:  DefaultTextInline,
		imageInline: DefaultImageInline,
		urlTTL:      DefaultURLTTL,
		putTimeout:  DefaultPutTimeout,
	}
	if opts.TextInline > 0 {
		s.textInline = opts.TextInline
	}
	if opts.ImageInline > 0 {
		s.imageInline = opts.ImageInline
	}
	if opts.URLTTL > 0 {
		s.urlTTL = opts.URLTTL
	}
	if opts.PutTimeout > 0 {
		s.putTimeout = opts.PutTimeout
	}
	return s
}

// Build produces the ordered item list for one capture: stdout text first,
// then rendered images, then the error payload of a failed unit.
func (s *Serializer) Build(ctx context.Context, cap Capture) []Item {
	var items []Item

	if len(cap.Stdout) > 0 {
		items = append(items, s.item(ctx, cap, KindText, cap.Stdout, "text/plain; charset=utf-8", s.textInline, 0))
	}
	for i, img := range cap.Images {
		items = append(items, s.item(ctx, cap, KindImage, img, "image/png", s.imageInline, i))
	}
	if len(cap.ErrText) > 0 {
		items = append(items, s.item(ctx, cap, KindError, cap.ErrText, "text/plain; charset=utf-8", s.textInline, 0))
	}

	return items
}

func (s *Serializer) item(ctx context.Context, cap Capture, kind string, data []byte, contentType string, threshold, seq int) Item {
	if len(data) <= threshold {
		return Item{Kind: kind, Inline: data}
	}

	key := fmt.Sprintf("sessions/%s/executions/%d/%s-%d", cap.SessionID, cap.Index, kind, seq)

	putCtx, cancel := context.WithTimeout(ctx, s.putTimeout)
	defer cancel()

	if err := s.store.Put(putCtx, key, data, contentType); err != nil {
		return s.degraded(cap, kind, data, threshold, err)
	}
	url, err := s.store.Sign(putCtx, key, s.urlTTL)
	if err != nil {
		return s.degraded(cap, kind, data, threshold, err)
	}

	log.Debug().
		Str("session_id", cap.SessionID).
		Int("exec_index", cap.Index).
		Str("kind", kind).
		Int("bytes", len(data)).
		Str("key", key).
		Msg("output spilled to blob storage")
	if s.metrics != nil {
		s.metrics.RecordSpill(kind)
	}

	return Item{Kind: kind, Ref: &StorageRef{Key: key, URL: url, ExpiresAt: time.Now().Add(s.urlTTL)}}
}

// degraded keeps the item inline with a truncation notice when the store is
// down. The execution itself still succeeds; the kind is preserved.
func (s *Serializer) degraded(cap Capture, kind string, data []byte, threshold int, cause error) Item {
	log.Error().
		Err(cause).
		Str("session_id", cap.SessionID).
		Int("exec_index", cap.Index).
		Str("kind", kind).
		Msg("blob spill failed, returning truncated inline payload")
	if s.metrics != nil {
		s.metrics.StorageErrors.Inc()
	}

	notice := fmt.Sprintf("\n... [%d bytes truncated: storage unavailable]", len(data))
	keep := threshold - len(notice)
	if keep < 0 {
		keep = 0
	}
	truncated := make([]byte, 0, threshold)
	truncated = append(truncated, data[:keep]...)
	truncated = append(truncated, notice...)
	return Item{Kind: kind, Inline: truncated}
}
