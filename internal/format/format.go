// Package format defines the encoded media formats served by the media
// server: video renditions identified by resolution and CRF, and audio
// renditions identified by bitrate.
package format

import (
	"fmt"
	"strconv"
	"strings"
)

// VideoFormat identifies one encoded video rendition.
// The zero value is not a valid format.
type VideoFormat struct {
	Width  int
	Height int
	CRF    int
}

// ParseVideo parses a "WxH-CRF" string such as "1280x720-20".
func ParseVideo(s string) (VideoFormat, error) {
	res, crfStr, ok := strings.Cut(s, "-")
	if !ok {
		return VideoFormat{}, fmt.Errorf("invalid video format %q: missing CRF", s)
	}
	wStr, hStr, ok := strings.Cut(res, "x")
	if !ok {
		return VideoFormat{}, fmt.Errorf("invalid video format %q: missing resolution", s)
	}
	w, err := strconv.Atoi(wStr)
	if err != nil {
		return VideoFormat{}, fmt.Errorf("invalid video format %q: %w", s, err)
	}
	h, err := strconv.Atoi(hStr)
	if err != nil {
		return VideoFormat{}, fmt.Errorf("invalid video format %q: %w", s, err)
	}
	crf, err := strconv.Atoi(crfStr)
	if err != nil {
		return VideoFormat{}, fmt.Errorf("invalid video format %q: %w", s, err)
	}
	if w <= 0 || h <= 0 || crf < 0 {
		return VideoFormat{}, fmt.Errorf("invalid video format %q: out of range", s)
	}
	return VideoFormat{Width: w, Height: h, CRF: crf}, nil
}

// String returns the canonical "WxH-CRF" form used in directory names and
// on the wire.
func (f VideoFormat) String() string {
	return fmt.Sprintf("%dx%d-%d", f.Width, f.Height, f.CRF)
}

// Resolution returns the "WxH" portion of the format name.
func (f VideoFormat) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// Compare totally orders formats by (width, height, crf).
// It returns -1, 0 or 1 in the manner of strings.Compare.
func (f VideoFormat) Compare(o VideoFormat) int {
	switch {
	case f.Width != o.Width:
		return cmpInt(f.Width, o.Width)
	case f.Height != o.Height:
		return cmpInt(f.Height, o.Height)
	default:
		return cmpInt(f.CRF, o.CRF)
	}
}

// Less reports whether f orders before o.
func (f VideoFormat) Less(o VideoFormat) bool { return f.Compare(o) < 0 }

// AudioFormat identifies one encoded audio rendition by bitrate in kbps.
type AudioFormat struct {
	Bitrate int
}

// ParseAudio parses an "Nk" string such as "128k".
func ParseAudio(s string) (AudioFormat, error) {
	numStr, ok := strings.CutSuffix(s, "k")
	if !ok {
		return AudioFormat{}, fmt.Errorf("invalid audio format %q: missing k suffix", s)
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return AudioFormat{}, fmt.Errorf("invalid audio format %q: %w", s, err)
	}
	if n <= 0 {
		return AudioFormat{}, fmt.Errorf("invalid audio format %q: out of range", s)
	}
	return AudioFormat{Bitrate: n}, nil
}

// String returns the canonical "Nk" form.
func (f AudioFormat) String() string {
	return strconv.Itoa(f.Bitrate) + "k"
}

// Compare totally orders audio formats by bitrate.
func (f AudioFormat) Compare(o AudioFormat) int { return cmpInt(f.Bitrate, o.Bitrate) }

// Less reports whether f orders before o.
func (f AudioFormat) Less(o AudioFormat) bool { return f.Bitrate < o.Bitrate }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
