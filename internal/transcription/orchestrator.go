// Package transcription submits audio chunks to the transcription service
// and assembles one ordered, part-labelled transcript per file.
package transcription

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/tempfs"
	"voice-intake-go/internal/types"
)

// Orchestrator transcribes the chunks of one file strictly in order.
type Orchestrator struct {
	svc      Service
	language string
	log      *logger.Logger
}

func NewOrchestrator(svc Service, language string) *Orchestrator {
	return &Orchestrator{svc: svc, language: language, log: logger.Component("transcription")}
}

// Transcribe submits chunks one at a time by Index. Each chunk file is
// released as soon as its text arrives. The first failure aborts the file;
// no partial transcript is returned.
func (o *Orchestrator) Transcribe(ctx context.Context, scope *tempfs.Scope, chunks []types.AudioChunk) (types.TranscriptText, error) {
	const op = "transcription.orchestrate"
	if len(chunks) == 0 {
		return types.TranscriptText{}, errs.E(errs.KindService, op, "nothing to transcribe")
	}

	ordered := make([]types.AudioChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	parts := make([]string, 0, len(ordered))
	for _, c := range ordered {
		start := time.Now()
		text, err := o.svc.Transcribe(ctx, c.File.Path, o.language)
		if err != nil {
			if ctx.Err() != nil {
				return types.TranscriptText{}, ctx.Err()
			}
			if errs.KindOf(err) != errs.KindRateLimited && errs.KindOf(err) != errs.KindService {
				err = errs.Wrap(errs.KindService, op, err)
			}
			o.log.WithFields(logrus.Fields{
				"chunk":  c.Index,
				"chunks": len(ordered),
			}).WithError(err).Warn("chunk transcription failed")
			return types.TranscriptText{}, err
		}
		_ = scope.Release(c.File.Path)
		parts = append(parts, text)

		o.log.WithFields(logrus.Fields{
			"chunk":       c.Index,
			"chunks":      len(ordered),
			"start_ms":    c.StartMs,
			"end_ms":      c.EndMs,
			"chars":       len(text),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("chunk transcribed")
	}
	return types.TranscriptText{Parts: parts}, nil
}
