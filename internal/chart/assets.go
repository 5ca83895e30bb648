package chart

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jfreymuth/oggvorbis"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	instFile   = "Inst.ogg"
	voicesFile = "Voices.ogg"
)

// Track holds the audio served for one selected chart.
type Track struct {
	Inst     []byte
	Voices   []byte // nil when the song has no vocals and no silence clip is configured
	Duration time.Duration
}

// DurationProbe measures the play length of an encoded audio stream.
type DurationProbe func(r io.ReadSeeker) (time.Duration, error)

// AssetSource reads song audio from the chart folders.
type AssetSource struct {
	silence []byte
	probe   DurationProbe
	logger  zerolog.Logger
}

// NewAssetSource creates an asset source. silenceClip is read once; an empty
// path or a missing file leaves vocals-less songs without a substitute.
func NewAssetSource(silenceClip string) *AssetSource {
	a := &AssetSource{
		probe:  OggDuration,
		logger: log.With().Str("component", "assets").Logger(),
	}
	if silenceClip != "" {
		data, err := os.ReadFile(silenceClip)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", silenceClip).Msg("silence clip unavailable")
		} else {
			a.silence = data
		}
	}
	return a
}

// WithProbe replaces the duration probe.
func (a *AssetSource) WithProbe(p DurationProbe) *AssetSource {
	a.probe = p
	return a
}

// WithSilence replaces the silence clip.
func (a *AssetSource) WithSilence(clip []byte) *AssetSource {
	a.silence = clip
	return a
}

// Load reads the instrumental (required) and vocals (optional) of e and
// measures the song length from the instrumental.
func (a *AssetSource) Load(e *Entry) (*Track, error) {
	inst, err := os.ReadFile(filepath.Join(e.Dir, instFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", e.Folder, ErrMissingInstrumental)
		}
		return nil, fmt.Errorf("read instrumental of %s: %w", e.Folder, err)
	}

	voices, err := os.ReadFile(filepath.Join(e.Dir, voicesFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read vocals of %s: %w", e.Folder, err)
		}
		voices = a.silence
	}

	d, err := a.probe(bytes.NewReader(inst))
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", e.Folder, err)
	}

	a.logger.Debug().
		Str("song", e.Song).
		Int("inst_bytes", len(inst)).
		Int("voices_bytes", len(voices)).
		Dur("duration", d).
		Msg("assets loaded")

	return &Track{Inst: inst, Voices: voices, Duration: d}, nil
}

// OggDuration returns the length of an Ogg Vorbis stream.
func OggDuration(r io.ReadSeeker) (time.Duration, error) {
	samples, format, err := oggvorbis.GetLength(r)
	if err != nil {
		return 0, fmt.Errorf("ogg length: %w", err)
	}
	if format == nil || format.SampleRate <= 0 {
		return 0, errors.New("ogg length: missing sample rate")
	}
	return time.Duration(samples) * time.Second / time.Duration(format.SampleRate), nil
}
