// Package store maintains the live per-channel chunk index: memory-mapped
// media chunks keyed by timestamp and format, init segments, SSIM values,
// and the sliding eviction window. It is populated by a startup scan plus
// filesystem move-in events and exposes read-only views to ABR and dispatch.
package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// ErrEmptyFile marks a zero-length media file, which is treated as a
// partial write and skipped.
var ErrEmptyFile = errors.New("store: empty file")

// Span is a read-only view of one chunk's bytes. Media spans reference a
// shared memory mapping owned by the store; init spans own heap bytes.
// Dispatch copies span bytes synchronously, so the store may release the
// mapping as soon as the entry leaves the index.
type Span struct {
	data []byte
	m    mmap.MMap
}

// Bytes returns the underlying bytes. The slice is valid only while the
// owning store retains the entry.
func (s Span) Bytes() []byte { return s.data }

// Size returns the span length in bytes.
func (s Span) Size() int { return len(s.data) }

// release drops the mapping, if any. Heap-backed spans are a no-op.
func (s Span) release() {
	if s.m != nil {
		// Unmap failures leave the pages mapped; nothing to do but drop
		// the reference.
		_ = s.m.Unmap()
	}
}

// mapFile memory-maps path read-only and returns a span over the whole file.
func mapFile(path string) (Span, error) {
	f, err := os.Open(path)
	if err != nil {
		return Span{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Span{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return Span{}, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return Span{}, fmt.Errorf("mapping %s: %w", path, err)
	}
	return Span{data: m, m: m}, nil
}

// loadFile reads path fully into a heap-backed span. Used for init
// segments, which are small and outlive any eviction window.
func loadFile(path string) (Span, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Span{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return Span{}, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	return Span{data: data}, nil
}

// spanFromBytes wraps heap bytes in a span. Test helper and ingest seam.
func spanFromBytes(data []byte) Span { return Span{data: data} }
