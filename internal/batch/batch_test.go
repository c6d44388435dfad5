package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/processor"
	"voice-intake-go/internal/remote"
	"voice-intake-go/internal/tempfs"
	"voice-intake-go/internal/types"
)

const folderURL = "https://drive.google.com/drive/folders/FOLDER123456"

// pagedStore serves items pageSize at a time.
type pagedStore struct {
	items    []remote.Item
	pageSize int
	calls    atomic.Int32
}

func (s *pagedStore) ListFolder(_ context.Context, folderID string, mimeFilter []string, token string) (remote.Page, error) {
	s.calls.Add(1)
	if folderID != "FOLDER123456" || len(mimeFilter) == 0 {
		return remote.Page{}, errors.New("unexpected listing request")
	}
	start := 0
	if token != "" {
		fmt.Sscanf(token, "p%d", &start)
	}
	end := start + s.pageSize
	if end >= len(s.items) {
		return remote.Page{Items: s.items[start:]}, nil
	}
	return remote.Page{Items: s.items[start:end], NextPageToken: fmt.Sprintf("p%d", end)}, nil
}

func (s *pagedStore) Stat(_ context.Context, id string) (remote.Item, error) {
	for _, it := range s.items {
		if it.ID == id {
			return it, nil
		}
	}
	return remote.Item{}, errs.E(errs.KindNotFound, "stat", id)
}

func (s *pagedStore) Download(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("audio")), nil
}

func audioItems(n int) []remote.Item {
	items := make([]remote.Item, n)
	for i := range items {
		items[i] = remote.Item{ID: fmt.Sprintf("id%02d", i+1), Name: fmt.Sprintf("%02d.mp3", i+1), MimeType: "audio/mpeg", Size: 5}
	}
	return items
}

// scriptedFiles fails every item whose name is in fail and tracks concurrency.
type scriptedFiles struct {
	fail     map[string]bool
	panicOn  string
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *scriptedFiles) Process(_ context.Context, job processor.Job) (processor.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	if job.Source.Kind != types.SourceRemoteFile || job.Source.RemoteID == "" {
		return processor.Result{}, errors.New("item source not resolved")
	}
	if job.Source.FileName == f.panicOn {
		panic("decoder exploded")
	}
	if f.fail[job.Source.FileName] {
		return processor.Result{}, errs.E(errs.KindUnsupportedFormat, "normalize", "corrupt payload")
	}
	return processor.Result{FileName: job.Source.FileName, RowNumber: 100}, nil
}

func TestProcessFolder_FailuresAreIsolated(t *testing.T) {
	store := &pagedStore{items: audioItems(9), pageSize: 4}
	files := &scriptedFiles{fail: map[string]bool{"02.mp3": true, "05.mp3": true}, panicOn: "07.mp3"}
	p := New(store, files, Options{Concurrency: 3})

	rep, err := p.ProcessFolder(context.Background(), folderURL, processor.Job{WorkflowID: "asst_1", SinkID: "team"})
	if err != nil {
		t.Fatalf("process folder: %v", err)
	}
	if store.calls.Load() != 3 {
		t.Errorf("listing calls = %d, want 3 pages", store.calls.Load())
	}
	if len(rep.Outcomes) != 9 {
		t.Fatalf("outcomes = %d", len(rep.Outcomes))
	}
	failed := 0
	for i, o := range rep.Outcomes {
		if o.Index != i || o.Name != fmt.Sprintf("%02d.mp3", i+1) {
			t.Fatalf("outcome %d out of enumeration order: %+v", i, o)
		}
		if !o.OK() {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("failed = %d, want 3", failed)
	}
	if rep.Outcomes[1].Reason != "unsupported format" || rep.Outcomes[6].Reason != "internal error" {
		t.Errorf("reasons = %q, %q", rep.Outcomes[1].Reason, rep.Outcomes[6].Reason)
	}
	if rep.Outcomes[8].RowNumber != 100 {
		t.Errorf("success row = %d", rep.Outcomes[8].RowNumber)
	}
}

func TestProcessFolder_ConcurrencyNeverExceedsCeiling(t *testing.T) {
	files := &scriptedFiles{delay: 10 * time.Millisecond}
	p := New(&pagedStore{items: audioItems(12), pageSize: 100}, files, Options{Concurrency: 3})

	if _, err := p.ProcessFolder(context.Background(), folderURL, processor.Job{}); err != nil {
		t.Fatal(err)
	}
	if got := p.Gate().Peak(); got > 3 || got < 1 {
		t.Fatalf("gate peak = %d", got)
	}
	if got := files.peak.Load(); got > 3 {
		t.Fatalf("observed %d concurrent pipelines", got)
	}
	if p.Gate().InFlight() != 0 {
		t.Fatal("slots leaked")
	}
}

func TestProcessFolder_EmptyAndCapped(t *testing.T) {
	p := New(&pagedStore{pageSize: 10}, &scriptedFiles{}, Options{})
	rep, err := p.ProcessFolder(context.Background(), folderURL, processor.Job{})
	if err != nil || !rep.Empty || len(rep.Outcomes) != 0 {
		t.Fatalf("empty folder: rep=%+v err=%v", rep, err)
	}

	p = New(&pagedStore{items: audioItems(7), pageSize: 2}, &scriptedFiles{}, Options{MaxItems: 5})
	rep, err = p.ProcessFolder(context.Background(), folderURL, processor.Job{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Outcomes) != 5 || !rep.Truncated {
		t.Fatalf("capped: outcomes=%d truncated=%v", len(rep.Outcomes), rep.Truncated)
	}
}

// flakyStore fails its first failures listing calls with err.
type flakyStore struct {
	pagedStore
	failures int32
	err      error
}

func (s *flakyStore) ListFolder(ctx context.Context, folderID string, mimeFilter []string, token string) (remote.Page, error) {
	if s.calls.Load() < s.failures {
		s.calls.Add(1)
		return remote.Page{}, s.err
	}
	return s.pagedStore.ListFolder(ctx, folderID, mimeFilter, token)
}

func TestProcessFolder_ListingRetriesTransientErrors(t *testing.T) {
	store := &flakyStore{
		pagedStore: pagedStore{items: audioItems(2), pageSize: 10},
		failures:   1,
		err:        errs.E(errs.KindTransport, "drive.list", "status 503"),
	}
	p := New(store, &scriptedFiles{}, Options{ListBackoff: time.Millisecond})

	rep, err := p.ProcessFolder(context.Background(), folderURL, processor.Job{})
	if err != nil {
		t.Fatalf("process folder: %v", err)
	}
	if store.calls.Load() != 2 {
		t.Errorf("listing calls = %d, want 2", store.calls.Load())
	}
	if len(rep.Outcomes) != 2 || !rep.Outcomes[0].OK() || !rep.Outcomes[1].OK() {
		t.Fatalf("outcomes = %+v", rep.Outcomes)
	}
}

func TestProcessFolder_ListingFailuresAreBounded(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int32
		kind  errs.Kind
	}{
		{"transient exhausts attempts", errs.E(errs.KindTransport, "drive.list", "status 503"), 3, errs.KindTransport},
		{"not found is not retried", errs.E(errs.KindNotFound, "drive.list", "status 404"), 1, errs.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{pagedStore: pagedStore{items: audioItems(2)}, failures: 100, err: tt.err}
			p := New(store, &scriptedFiles{}, Options{ListAttempts: 3, ListBackoff: time.Millisecond})

			_, err := p.ProcessFolder(context.Background(), folderURL, processor.Job{})
			if !errs.Is(err, tt.kind) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
			if store.calls.Load() != tt.calls {
				t.Fatalf("listing calls = %d, want %d", store.calls.Load(), tt.calls)
			}
		})
	}
}

func TestProcessFolder_RejectsNonFolderLinks(t *testing.T) {
	p := New(&pagedStore{}, &scriptedFiles{}, Options{})
	for _, link := range []string{
		"https://drive.google.com/file/d/FILE12345678/view",
		"https://example.com/folders/FOLDER123456",
	} {
		if _, err := p.ProcessFolder(context.Background(), link, processor.Job{}); !errs.Is(err, errs.KindInvalidReference) {
			t.Errorf("%s: expected invalid_reference, got %v", link, err)
		}
	}
}

// Stage fakes for the end-to-end folder scenario.

type driveAcquirer struct{ store remote.Storage }

func (a driveAcquirer) Acquire(ctx context.Context, scope *tempfs.Scope, src types.MediaSource) (types.LocalMediaFile, error) {
	it, err := a.store.Stat(ctx, src.RemoteID)
	if err != nil {
		return types.LocalMediaFile{}, err
	}
	p := scope.NewPath(".mp3")
	if err := os.WriteFile(p, []byte("audio"), 0o600); err != nil {
		return types.LocalMediaFile{}, err
	}
	return types.LocalMediaFile{Path: p, Name: it.Name, Size: 5}, nil
}

// zeroLengthNormalizer reports zero duration for one named file.
type zeroLengthNormalizer struct{ silent string }

func (n zeroLengthNormalizer) Normalize(_ context.Context, _ *tempfs.Scope, in types.LocalMediaFile) (types.NormalizedAudio, error) {
	d := 2 * time.Minute
	if in.Name == n.silent {
		d = 0
	}
	return types.NormalizedAudio{LocalMediaFile: in, Duration: d}, nil
}

type oneChunk struct{}

func (oneChunk) Split(_ context.Context, _ *tempfs.Scope, a types.NormalizedAudio, _ int64) ([]types.AudioChunk, error) {
	return []types.AudioChunk{{EndMs: a.Duration.Milliseconds(), File: a.LocalMediaFile}}, nil
}

type countingTranscriber struct{ calls atomic.Int32 }

func (c *countingTranscriber) Transcribe(_ context.Context, _ *tempfs.Scope, chunks []types.AudioChunk) (types.TranscriptText, error) {
	c.calls.Add(1)
	return types.TranscriptText{Parts: []string{"text of " + chunks[0].File.Name}}, nil
}

type echoAnalyzer struct{}

func (echoAnalyzer) Analyze(_ context.Context, tr types.TranscriptText, _ string) (types.AnalysisResult, error) {
	return types.AnalysisResult{Text: "ok: " + tr.Text()}, nil
}

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (s *countingSink) AppendRow(context.Context, string, string, []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n + 1, nil
}

func (s *countingSink) Close() error { return nil }

func TestProcessFolder_ZeroDurationItemFailsAlone(t *testing.T) {
	store := &pagedStore{items: audioItems(5), pageSize: 100}
	tr := &countingTranscriber{}
	sk := &countingSink{}
	dir := t.TempDir()
	files := processor.New(processor.Stages{
		Acquirer:    driveAcquirer{store: store},
		Normalizer:  zeroLengthNormalizer{silent: "03.mp3"},
		Splitter:    oneChunk{},
		Transcriber: tr,
		Analyzer:    echoAnalyzer{},
		Sink:        sk,
	}, processor.Options{TempDir: dir, Ceiling: 24 << 20, MinDuration: 3 * time.Second})

	rep, err := New(store, files, Options{Concurrency: 3}).ProcessFolder(context.Background(), folderURL, processor.Job{WorkflowID: "asst_1", SinkID: "team"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Outcomes) != 5 {
		t.Fatalf("outcomes = %d", len(rep.Outcomes))
	}
	for i, o := range rep.Outcomes {
		if i == 2 {
			if o.OK() || o.Reason != "too short" {
				t.Fatalf("item 3 = %+v, want failure too short", o)
			}
			continue
		}
		if !o.OK() {
			t.Fatalf("item %d failed: %s", i+1, o.Reason)
		}
	}
	if tr.calls.Load() != 4 || sk.n != 4 {
		t.Fatalf("transcriptions=%d rows=%d, want 4 each", tr.calls.Load(), sk.n)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("%d artifacts left behind", len(entries))
	}
}
