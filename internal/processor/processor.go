// Package processor runs the single-file pipeline: acquire, normalize,
// check duration, split, transcribe, analyze, derive file-name fields and
// append one sink row. Stages run strictly in order inside one temporary
// file scope; nothing is written to the sink unless every stage succeeds.
package processor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/sink"
	"voice-intake-go/internal/tempfs"
	"voice-intake-go/internal/types"
)

type Acquirer interface {
	Acquire(ctx context.Context, scope *tempfs.Scope, src types.MediaSource) (types.LocalMediaFile, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, scope *tempfs.Scope, file types.LocalMediaFile) (types.NormalizedAudio, error)
}

type Splitter interface {
	Split(ctx context.Context, scope *tempfs.Scope, audio types.NormalizedAudio, ceiling int64) ([]types.AudioChunk, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, scope *tempfs.Scope, chunks []types.AudioChunk) (types.TranscriptText, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, transcript types.TranscriptText, workflowID string) (types.AnalysisResult, error)
}

type FieldExtractor interface {
	FromFileName(ctx context.Context, name string) (types.FileNameFields, error)
}

// Stages are the collaborators of a Processor.
type Stages struct {
	Acquirer    Acquirer
	Normalizer  Normalizer
	Splitter    Splitter
	Transcriber Transcriber
	Analyzer    Analyzer
	Extractor   FieldExtractor
	Sink        sink.Sink
}

// Options tunes a Processor.
type Options struct {
	TempDir     string
	Ceiling     int64
	MinDuration time.Duration
	Sheet       string
	Now         func() time.Time
}

// Job is one file submission.
type Job struct {
	Source     types.MediaSource
	Submitter  types.Submitter
	WorkflowID string
	SinkID     string
}

// Result describes a persisted file.
type Result struct {
	FileName   string        `json:"file_name"`
	Transcript string        `json:"transcript"`
	Analysis   string        `json:"analysis"`
	RowNumber  int           `json:"row_number"`
	Chunks     int           `json:"chunks"`
	Duration   time.Duration `json:"duration"`
	ElapsedMs  int64         `json:"elapsed_ms"`
}

// Processor runs Jobs.
type Processor struct {
	st   Stages
	opts Options
	log  *logger.Logger
}

func New(st Stages, opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sheet == "" {
		opts.Sheet = "Results"
	}
	return &Processor{st: st, opts: opts, log: logger.Component("processor")}
}

// Process runs job to completion. Every temporary artifact is removed before
// Process returns, including when a stage panics (the panic is re-raised).
func (p *Processor) Process(ctx context.Context, job Job) (Result, error) {
	const op = "processor.process"
	start := time.Now()
	log := p.log.WithUser(job.Submitter.UserID).WithFields(logrus.Fields{
		"source":      job.Source.Kind.String(),
		"workflow_id": job.WorkflowID,
		"sink_id":     job.SinkID,
	})

	var res Result
	err := tempfs.Run(p.opts.TempDir, func(scope *tempfs.Scope) error {
		file, err := p.st.Acquirer.Acquire(ctx, scope, job.Source)
		if err != nil {
			return err
		}
		res.FileName = file.Name
		log = log.WithField("file", file.Name)

		audio, err := p.st.Normalizer.Normalize(ctx, scope, file)
		if err != nil {
			return err
		}
		res.Duration = audio.Duration
		if audio.Duration < p.opts.MinDuration {
			return errs.E(errs.KindTooShort, op,
				fmt.Sprintf("%.1fs is below the %s minimum", audio.Duration.Seconds(), p.opts.MinDuration))
		}

		chunks, err := p.st.Splitter.Split(ctx, scope, audio, p.opts.Ceiling)
		if err != nil {
			return err
		}
		res.Chunks = len(chunks)

		transcript, err := p.st.Transcriber.Transcribe(ctx, scope, chunks)
		if err != nil {
			return err
		}
		res.Transcript = transcript.Text()

		analysis, err := p.st.Analyzer.Analyze(ctx, transcript, job.WorkflowID)
		if err != nil {
			return err
		}
		res.Analysis = analysis.Text

		var fields types.FileNameFields
		if p.st.Extractor != nil {
			f, ferr := p.st.Extractor.FromFileName(ctx, file.Name)
			if ferr != nil {
				log.WithError(ferr).Warn("file name field extraction failed, using partial fields")
			}
			fields = f
		}

		row := types.ResultRow{
			Timestamp:       p.opts.Now(),
			Transcript:      res.Transcript,
			Analysis:        res.Analysis,
			FileName:        file.Name,
			SubmitterHandle: job.Submitter.Handle(),
			SubmitterLink:   job.Submitter.ProfileLink(),
			WorkflowID:      job.WorkflowID,
			SinkID:          job.SinkID,
			DurationSeconds: int(math.Round(audio.Duration.Seconds())),
			Fields:          fields,
		}
		n, err := p.st.Sink.AppendRow(ctx, job.SinkID, p.opts.Sheet, row.Values())
		if err != nil {
			if errs.KindOf(err) != errs.KindSink {
				err = errs.Wrap(errs.KindSink, op, err)
			}
			return err
		}
		res.RowNumber = n
		return nil
	})
	res.ElapsedMs = time.Since(start).Milliseconds()

	if err != nil {
		log.WithError(err).WithField("kind", string(errs.KindOf(err))).Warn("file processing failed")
		return res, err
	}
	log.WithFields(logrus.Fields{
		"row":         res.RowNumber,
		"chunks":      res.Chunks,
		"duration_ms": res.Duration.Milliseconds(),
		"elapsed_ms":  res.ElapsedMs,
	}).Info("file processed")
	return res, nil
}
