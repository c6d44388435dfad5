// Package media converts acquired files into the canonical audio form every
// later stage relies on: mono, 16 kHz, MP3 at a fixed bitrate.
package media

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/tempfs"
	"voice-intake-go/internal/types"
)

// Probe describes an input file.
type Probe struct {
	Duration   time.Duration
	HasAudio   bool
	HasVideo   bool
	Channels   int
	SampleRate int
	BitrateBps int
}

// Format is an audio encoding target.
type Format struct {
	SampleRate  int
	Channels    int
	BitrateKbps int
	Codec       string
	Ext         string
	MimeType    string
}

// BitrateBps is the nominal bitrate in bits per second.
func (fm Format) BitrateBps() int { return fm.BitrateKbps * 1000 }

// CanonicalFormat is the transcription-bound encoding.
func CanonicalFormat(sampleRate, bitrateKbps int) Format {
	return Format{
		SampleRate:  sampleRate,
		Channels:    1,
		BitrateKbps: bitrateKbps,
		Codec:       "libmp3lame",
		Ext:         ".mp3",
		MimeType:    "audio/mpeg",
	}
}

// Transcoder is the encoding backend.
type Transcoder interface {
	Probe(ctx context.Context, path string) (Probe, error)
	Encode(ctx context.Context, in, out string, f Format) error
	Cut(ctx context.Context, in, out string, start, dur time.Duration, f Format) error
}

// Normalizer produces NormalizedAudio.
type Normalizer struct {
	tc          Transcoder
	format      Format
	minDuration time.Duration
	log         *logger.Logger
}

// NewNormalizer creates a normalizer. Inputs whose probed duration is below
// minDuration are rejected before encoding.
func NewNormalizer(tc Transcoder, format Format, minDuration time.Duration) *Normalizer {
	return &Normalizer{tc: tc, format: format, minDuration: minDuration, log: logger.Component("media")}
}

// Normalize re-encodes file into the canonical form. The input file is
// released once the output exists; the output is owned by scope.
func (n *Normalizer) Normalize(ctx context.Context, scope *tempfs.Scope, file types.LocalMediaFile) (types.NormalizedAudio, error) {
	const op = "media.normalize"

	in, err := n.tc.Probe(ctx, file.Path)
	if err != nil {
		if ctx.Err() != nil {
			return types.NormalizedAudio{}, ctx.Err()
		}
		return types.NormalizedAudio{}, errs.Wrap(errs.KindUnsupportedFormat, op, err)
	}
	if !in.HasAudio {
		reason := "no audio stream"
		if in.HasVideo {
			reason = "video has no audio track"
		}
		return types.NormalizedAudio{}, errs.E(errs.KindUnsupportedFormat, op, reason)
	}
	// a zero input duration is unknown for some containers; the output probe decides
	if in.Duration > 0 && in.Duration < n.minDuration {
		return types.NormalizedAudio{}, tooShort(op, in.Duration, n.minDuration)
	}

	outPath := scope.NewPath(n.format.Ext)
	start := time.Now()
	if err := n.tc.Encode(ctx, file.Path, outPath, n.format); err != nil {
		_ = scope.Release(outPath)
		if ctx.Err() != nil {
			return types.NormalizedAudio{}, ctx.Err()
		}
		return types.NormalizedAudio{}, errs.Wrap(errs.KindEncoding, op, err)
	}
	_ = scope.Release(file.Path)

	out, err := n.tc.Probe(ctx, outPath)
	if err != nil {
		if in.Duration == 0 {
			// empty recordings encode to a file ffprobe cannot read
			return types.NormalizedAudio{}, errs.Wrap(errs.KindTooShort, op, fmt.Errorf("no decodable audio: %w", err))
		}
		return types.NormalizedAudio{}, errs.Wrap(errs.KindEncoding, op, fmt.Errorf("probe output: %w", err))
	}
	st, err := os.Stat(outPath)
	if err != nil {
		return types.NormalizedAudio{}, errs.Wrap(errs.KindEncoding, op, err)
	}

	na := types.NormalizedAudio{
		LocalMediaFile: types.LocalMediaFile{
			Path:     outPath,
			Name:     file.Name,
			MimeType: n.format.MimeType,
			Size:     st.Size(),
		},
		Duration:   out.Duration,
		SampleRate: n.format.SampleRate,
		Channels:   n.format.Channels,
		BitrateBps: n.format.BitrateBps(),
	}

	n.log.WithFields(logrus.Fields{
		"file":        file.Name,
		"had_video":   in.HasVideo,
		"in_bytes":    file.Size,
		"out_bytes":   na.Size,
		"duration_ms": na.Duration.Milliseconds(),
		"took_ms":     time.Since(start).Milliseconds(),
	}).Info("normalized audio")
	return na, nil
}

func tooShort(op string, d, floor time.Duration) error {
	return errs.E(errs.KindTooShort, op, fmt.Sprintf("%.1fs is below the %s minimum", d.Seconds(), floor))
}
