// Package batch processes every eligible media file of a remote folder.
//
// Items run the full single-file pipeline concurrently under an admission
// gate. A failing or panicking item becomes a Failure outcome and never
// affects its siblings. Outcomes keep the folder's enumeration order.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/aggregator"
	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/gate"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/processor"
	"voice-intake-go/internal/remote"
	"voice-intake-go/internal/retry"
	"voice-intake-go/internal/types"
)

// FileProcessor runs one file job.
type FileProcessor interface {
	Process(ctx context.Context, job processor.Job) (processor.Result, error)
}

// Options bounds a folder job.
type Options struct {
	Concurrency int
	MaxItems    int
	// ListAttempts bounds retries of each listing page on transient errors.
	ListAttempts int
	ListBackoff  time.Duration
}

// Report is the outcome of one folder job.
type Report struct {
	FolderID  string          `json:"folder_id"`
	Outcomes  []types.Outcome `json:"outcomes"`
	Empty     bool            `json:"empty"`
	Truncated bool            `json:"truncated"`
	ElapsedMs int64           `json:"elapsed_ms"`
}

// Processor runs folder jobs.
type Processor struct {
	store remote.Storage
	files FileProcessor
	opts  Options
	gate  *gate.Gate
	log   *logger.Logger
}

func New(store remote.Storage, files FileProcessor, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 1000
	}
	if opts.ListAttempts <= 0 {
		opts.ListAttempts = 3
	}
	if opts.ListBackoff <= 0 {
		opts.ListBackoff = 2 * time.Second
	}
	return &Processor{
		store: store,
		files: files,
		opts:  opts,
		gate:  gate.New("batch", opts.Concurrency),
		log:   logger.Component("batch"),
	}
}

// Gate exposes the admission gate for instrumentation.
func (p *Processor) Gate() *gate.Gate { return p.gate }

// ProcessFolder lists folderURL and runs every eligible item with job as the
// template (its Source is replaced per item). Listing failures and links that
// are not folders are returned as errors; item failures are outcomes.
func (p *Processor) ProcessFolder(ctx context.Context, folderURL string, job processor.Job) (Report, error) {
	const op = "batch.process_folder"
	start := time.Now()

	ref, err := remote.ParseLink(folderURL)
	if err != nil {
		return Report{}, err
	}
	if ref.Kind != remote.RefFolder {
		return Report{}, errs.E(errs.KindInvalidReference, op, "link is not a folder")
	}

	items, truncated, err := p.list(ctx, ref.ID)
	if err != nil {
		return Report{}, err
	}
	report := Report{FolderID: ref.ID, Truncated: truncated}
	log := p.log.WithUser(job.Submitter.UserID).WithFields(logrus.Fields{
		"folder_id": ref.ID,
		"items":     len(items),
	})
	if len(items) == 0 {
		report.Empty = true
		log.Info("folder has no eligible media")
		return report, nil
	}
	log.Info("folder job started")

	report.Outcomes = make([]types.Outcome, len(items))
	var wg sync.WaitGroup
	for i, it := range items {
		release, err := p.gate.Acquire(ctx)
		if err != nil {
			// shutdown: items never admitted are reported, not dropped
			for j := i; j < len(items); j++ {
				report.Outcomes[j] = types.Failure(j, items[j].Name, "cancelled", err)
			}
			break
		}
		wg.Add(1)
		go func(i int, it remote.Item) {
			defer wg.Done()
			defer release()
			report.Outcomes[i] = p.runItem(ctx, i, it, job)
		}(i, it)
	}
	wg.Wait()

	report.ElapsedMs = time.Since(start).Milliseconds()
	s := aggregator.Aggregate(report.Outcomes)
	log.WithFields(logrus.Fields{
		"succeeded":  s.Succeeded,
		"failed":     s.Failed,
		"gate":       p.gate.Name(),
		"ceiling":    p.gate.Size(),
		"peak":       p.gate.Peak(),
		"elapsed_ms": report.ElapsedMs,
	}).Info("folder job finished")
	return report, nil
}

func (p *Processor) runItem(ctx context.Context, i int, it remote.Item, tmpl processor.Job) (out types.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("item", it.Name).WithField("panic", r).Error("item pipeline panicked")
			out = types.Failure(i, it.Name, "internal error", fmt.Errorf("panic: %v", r))
		}
	}()

	job := tmpl
	job.Source = types.MediaSource{
		Kind:     types.SourceRemoteFile,
		RemoteID: it.ID,
		FileName: it.Name,
		MimeType: it.MimeType,
		Size:     it.Size,
	}
	res, err := p.files.Process(ctx, job)
	if err != nil {
		return types.Failure(i, it.Name, errs.Reason(err), err)
	}
	return types.Success(i, it.Name, res.RowNumber)
}

// list pages through the folder until it is exhausted or MaxItems is reached.
func (p *Processor) list(ctx context.Context, folderID string) ([]remote.Item, bool, error) {
	var (
		items []remote.Item
		token string
	)
	for {
		var page remote.Page
		err := retry.Linear(ctx, p.opts.ListAttempts, p.opts.ListBackoff, func() error {
			var err error
			page, err = p.store.ListFolder(ctx, folderID, remote.MediaMimeFilter, token)
			return err
		}, func(attempt int, err error, wait time.Duration) {
			p.log.WithError(err).WithFields(logrus.Fields{
				"folder_id": folderID,
				"attempt":   attempt,
				"wait":      wait.String(),
			}).Warn("folder listing failed, retrying")
		})
		if err != nil {
			return nil, false, err
		}
		for _, it := range page.Items {
			if it.MimeType == remote.FolderMimeType {
				continue
			}
			if len(items) == p.opts.MaxItems {
				return items, true, nil
			}
			items = append(items, it)
		}
		if page.NextPageToken == "" {
			return items, false, nil
		}
		token = page.NextPageToken
	}
}
