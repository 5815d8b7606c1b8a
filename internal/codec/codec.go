// Package codec provides advisory codec detection for ingested init
// segments. Dispatch treats all media as opaque byte ranges; detection is
// only used to warn when the encoder pipeline and the channel config
// disagree about what is being served.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

// ErrNoVideoTrack is returned when an init segment parses but contains no
// video track.
var ErrNoVideoTrack = errors.New("codec: no video track in init segment")

// DetectVideoInit parses an fMP4 init segment and returns the RFC 6381
// family of its video track ("avc1", "hvc1", "vp09", "av01").
func DetectVideoInit(data []byte) (string, error) {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("parsing init segment: %w", err)
	}

	for _, track := range init.Tracks {
		if !track.Codec.IsVideo() {
			continue
		}
		switch track.Codec.(type) {
		case *fmp4.CodecH264:
			return "avc1", nil
		case *fmp4.CodecH265:
			return "hvc1", nil
		case *fmp4.CodecVP9:
			return "vp09", nil
		case *fmp4.CodecAV1:
			return "av01", nil
		default:
			return "", fmt.Errorf("codec: unrecognized video codec %T", track.Codec)
		}
	}

	return "", ErrNoVideoTrack
}

// MatchesConfigured reports whether a detected codec family is consistent
// with a configured MIME codec string such as
// `video/mp4; codecs="avc1.42E020"`. An empty configured string matches
// anything.
func MatchesConfigured(detected, configured string) bool {
	if configured == "" {
		return true
	}
	return strings.Contains(strings.ToLower(configured), strings.ToLower(detected))
}
