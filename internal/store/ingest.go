package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ottlab/media-server/internal/format"
)

// Ingest errors. A single bad file is logged and skipped; it never stops
// the watcher.
var (
	ErrUnknownDirectory = errors.New("store: path not inside a known format directory")
	ErrUnknownFileKind  = errors.New("store: unrecognized file name")
	ErrMisalignedTS     = errors.New("store: timestamp not aligned to chunk duration")
	ErrSSIMOutOfRange   = errors.New("store: ssim value out of range")
)

// entryKind classifies one ingested file.
type entryKind int

const (
	kindVideoInit entryKind = iota
	kindVideoMedia
	kindVideoSSIM
	kindAudioInit
	kindAudioMedia
)

func (k entryKind) String() string {
	switch k {
	case kindVideoInit:
		return "video_init"
	case kindVideoMedia:
		return "video_media"
	case kindVideoSSIM:
		return "video_ssim"
	case kindAudioInit:
		return "audio_init"
	case kindAudioMedia:
		return "audio_media"
	default:
		return "unknown"
	}
}

// entry is one classified ingest target.
type entry struct {
	kind entryKind
	vf   format.VideoFormat
	af   format.AudioFormat
	ts   uint64
}

const ssimDirSuffix = "-ssim"

// classify maps a path below the ready directory onto an ingest entry.
// The directory name identifies the format; the file name identifies the
// kind and timestamp.
func (c *Channel) classify(path string) (entry, error) {
	dir := filepath.Base(filepath.Dir(path))
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	// SSIM directories are named "<W>x<H>-<CRF>-ssim".
	if vfName, ok := strings.CutSuffix(dir, ssimDirSuffix); ok {
		vf, err := format.ParseVideo(vfName)
		if err != nil {
			return entry{}, fmt.Errorf("%w: %s", ErrUnknownDirectory, dir)
		}
		if ext != ".ssim" {
			return entry{}, fmt.Errorf("%w: %s", ErrUnknownFileKind, name)
		}
		ts, err := c.parseVTS(stem)
		if err != nil {
			return entry{}, err
		}
		return entry{kind: kindVideoSSIM, vf: vf, ts: ts}, nil
	}

	if vf, err := format.ParseVideo(dir); err == nil {
		switch {
		case stem == "init":
			return entry{kind: kindVideoInit, vf: vf}, nil
		case ext == ".m4s":
			ts, err := c.parseVTS(stem)
			if err != nil {
				return entry{}, err
			}
			return entry{kind: kindVideoMedia, vf: vf, ts: ts}, nil
		default:
			return entry{}, fmt.Errorf("%w: %s", ErrUnknownFileKind, name)
		}
	}

	if af, err := format.ParseAudio(dir); err == nil {
		switch {
		case stem == "init":
			return entry{kind: kindAudioInit, af: af}, nil
		case ext == ".chk":
			ts, err := c.parseATS(stem)
			if err != nil {
				return entry{}, err
			}
			return entry{kind: kindAudioMedia, af: af, ts: ts}, nil
		default:
			return entry{}, fmt.Errorf("%w: %s", ErrUnknownFileKind, name)
		}
	}

	return entry{}, fmt.Errorf("%w: %s", ErrUnknownDirectory, dir)
}

func (c *Channel) parseVTS(stem string) (uint64, error) {
	ts, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFileKind, stem)
	}
	if ts%c.vduration != 0 {
		return 0, fmt.Errorf("%w: vts %d, vduration %d", ErrMisalignedTS, ts, c.vduration)
	}
	return ts, nil
}

func (c *Channel) parseATS(stem string) (uint64, error) {
	ts, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFileKind, stem)
	}
	if ts%c.aduration != 0 {
		return 0, fmt.Errorf("%w: ats %d, aduration %d", ErrMisalignedTS, ts, c.aduration)
	}
	return ts, nil
}

// IngestPath loads one file into the index. It is idempotent for a given
// (timestamp, format): re-ingesting replaces the previous entry, so the
// startup scan and the watch callback can safely race on the same file.
// It returns the classified kind for metrics.
func (c *Channel) IngestPath(path string) (string, error) {
	e, err := c.classify(path)
	if err != nil {
		return "", err
	}

	switch e.kind {
	case kindVideoInit:
		s, err := loadFile(path)
		if err != nil {
			return "", err
		}
		c.putVInit(e.vf, s)
	case kindAudioInit:
		s, err := loadFile(path)
		if err != nil {
			return "", err
		}
		c.putAInit(e.af, s)
	case kindVideoMedia:
		s, err := mapFile(path)
		if err != nil {
			return "", err
		}
		c.putVideo(e.ts, e.vf, s)
	case kindAudioMedia:
		s, err := mapFile(path)
		if err != nil {
			return "", err
		}
		c.putAudio(e.ts, e.af, s)
	case kindVideoSSIM:
		val, err := readSSIM(path)
		if err != nil {
			return "", err
		}
		c.putSSIM(e.ts, e.vf, val)
	}

	return e.kind.String(), nil
}

// readSSIM parses an ASCII SSIM scalar in [0, 1).
func readSSIM(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	if val < 0 || val >= 1 {
		return 0, fmt.Errorf("%w: %v in %s", ErrSSIMOutOfRange, val, path)
	}
	return val, nil
}

// WatchDirs lists the directories the watcher must observe for this
// channel: one per video format, one per SSIM sidecar, one per audio
// format.
func (c *Channel) WatchDirs() []string {
	ready := c.ReadyDir()
	dirs := make([]string, 0, 2*len(c.vformats)+len(c.aformats))
	for _, vf := range c.vformats {
		dirs = append(dirs, filepath.Join(ready, vf.String()))
		dirs = append(dirs, filepath.Join(ready, vf.String()+ssimDirSuffix))
	}
	for _, af := range c.aformats {
		dirs = append(dirs, filepath.Join(ready, af.String()))
	}
	return dirs
}
