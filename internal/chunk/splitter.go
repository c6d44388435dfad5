// Package chunk splits normalized audio into time-contiguous segments that
// each fit under the transcription service's per-call size ceiling.
package chunk

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/media"
	"voice-intake-go/internal/tempfs"
	"voice-intake-go/internal/types"
)

// Splitter partitions NormalizedAudio into AudioChunks.
type Splitter struct {
	tc       media.Transcoder
	format   media.Format
	minChunk time.Duration
	log      *logger.Logger
}

// NewSplitter creates a splitter that re-encodes chunks in format. minChunk
// is the shortest segment the splitter is willing to produce.
func NewSplitter(tc media.Transcoder, format media.Format, minChunk time.Duration) *Splitter {
	return &Splitter{tc: tc, format: format, minChunk: minChunk, log: logger.Component("chunk")}
}

// Plan is the computed partition of one file.
type Plan struct {
	BitrateBps    int64
	MaxDurationMs int64
	Bounds        [][2]int64
}

// PlanSplit computes segment boundaries for a file of size bytes lasting
// totalMs. The bitrate used is the larger of the canonical bitrate and the
// measured one, so a file that encoded above nominal still fits.
func PlanSplit(size, totalMs int64, canonicalBps int, ceiling int64) (Plan, error) {
	if totalMs <= 0 {
		return Plan{}, fmt.Errorf("non-positive duration %dms", totalMs)
	}
	if ceiling <= 0 {
		return Plan{}, fmt.Errorf("non-positive ceiling %d", ceiling)
	}
	bitrate := int64(canonicalBps)
	if measured := size * 8 * 1000 / totalMs; measured > bitrate {
		bitrate = measured
	}
	if bitrate <= 0 {
		return Plan{}, fmt.Errorf("unknown bitrate")
	}
	maxDur := ceiling * 8 * 1000 / bitrate
	if maxDur <= 0 {
		return Plan{}, fmt.Errorf("ceiling %d too small for bitrate %d", ceiling, bitrate)
	}

	n := (totalMs + maxDur - 1) / maxDur
	bounds := make([][2]int64, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * maxDur
		end := start + maxDur
		if i == n-1 {
			end = totalMs
		}
		bounds = append(bounds, [2]int64{start, end})
	}
	return Plan{BitrateBps: bitrate, MaxDurationMs: maxDur, Bounds: bounds}, nil
}

// Split returns audio as one chunk when it fits under ceiling. Otherwise it
// cuts and re-encodes each segment and verifies its size. A segment still
// over the ceiling is fatal; there is no re-split.
func (s *Splitter) Split(ctx context.Context, scope *tempfs.Scope, audio types.NormalizedAudio, ceiling int64) ([]types.AudioChunk, error) {
	const op = "chunk.split"
	totalMs := audio.Duration.Milliseconds()

	if audio.Size <= ceiling {
		return []types.AudioChunk{{Index: 0, StartMs: 0, EndMs: totalMs, File: audio.LocalMediaFile}}, nil
	}

	plan, err := PlanSplit(audio.Size, totalMs, s.format.BitrateBps(), ceiling)
	if err != nil {
		return nil, errs.Wrap(errs.KindEncoding, op, err)
	}
	if plan.MaxDurationMs < s.minChunk.Milliseconds() {
		return nil, errs.E(errs.KindEncoding, op,
			fmt.Sprintf("chunk of %dms is below the minimum of %s", plan.MaxDurationMs, s.minChunk))
	}

	log := s.log.WithFields(logrus.Fields{
		"file":        audio.Name,
		"bytes":       audio.Size,
		"duration_ms": totalMs,
		"bitrate_bps": plan.BitrateBps,
		"chunks":      len(plan.Bounds),
	})
	log.Info("splitting oversized audio")

	chunks := make([]types.AudioChunk, 0, len(plan.Bounds))
	release := func() {
		for _, c := range chunks {
			_ = scope.Release(c.File.Path)
		}
	}
	for i, b := range plan.Bounds {
		path := scope.NewPath(s.format.Ext)
		start := time.Duration(b[0]) * time.Millisecond
		dur := time.Duration(b[1]-b[0]) * time.Millisecond
		if err := s.tc.Cut(ctx, audio.Path, path, start, dur, s.format); err != nil {
			_ = scope.Release(path)
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errs.Wrap(errs.KindEncoding, op, fmt.Errorf("cut chunk %d: %w", i, err))
		}
		st, err := os.Stat(path)
		if err != nil {
			_ = scope.Release(path)
			release()
			return nil, errs.Wrap(errs.KindEncoding, op, err)
		}
		if st.Size() > ceiling {
			_ = scope.Release(path)
			release()
			return nil, errs.E(errs.KindEncoding, op,
				fmt.Sprintf("chunk %d is %d bytes, over the %d byte ceiling", i, st.Size(), ceiling))
		}
		chunks = append(chunks, types.AudioChunk{
			Index:   i,
			StartMs: b[0],
			EndMs:   b[1],
			File: types.LocalMediaFile{
				Path:     path,
				Name:     fmt.Sprintf("%s.part%d%s", audio.Name, i+1, s.format.Ext),
				MimeType: s.format.MimeType,
				Size:     st.Size(),
			},
		})
	}
	_ = scope.Release(audio.Path)

	log.Debug("split complete")
	return chunks, nil
}
