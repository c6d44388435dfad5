package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/remote"
	"voice-intake-go/internal/retry"
	"voice-intake-go/internal/tempfs"
	"voice-intake-go/internal/types"
)

// FileRef is the transport's resolved handle for an uploaded file.
type FileRef struct {
	ID   string
	Path string
	Size int64
}

// FileSource is the chat transport's file retrieval facility.
type FileSource interface {
	// FileInfo resolves a file id into a downloadable reference.
	FileInfo(ctx context.Context, fileID string) (FileRef, error)
	// Open streams the file content.
	Open(ctx context.Context, ref FileRef) (io.ReadCloser, error)
}

// Limits bounds acquisition.
type Limits struct {
	MaxUploadBytes int64
	MaxRemoteBytes int64
	Attempts       int
	BackoffStep    time.Duration
}

// DefaultLimits mirrors the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxUploadBytes: 100 << 20,
		MaxRemoteBytes: 500 << 20,
		Attempts:       3,
		BackoffStep:    2 * time.Second,
	}
}

// Acquirer fetches media into local temporary storage.
type Acquirer struct {
	files  FileSource
	store  remote.Storage
	limits Limits
	log    *logger.Logger
}

func New(files FileSource, store remote.Storage, limits Limits) *Acquirer {
	if limits.Attempts <= 0 {
		limits.Attempts = 1
	}
	return &Acquirer{files: files, store: store, limits: limits, log: logger.Component("acquire")}
}

// Acquire downloads src into a path owned by scope. On failure nothing it
// created is left on disk.
func (a *Acquirer) Acquire(ctx context.Context, scope *tempfs.Scope, src types.MediaSource) (types.LocalMediaFile, error) {
	switch src.Kind {
	case types.SourceDirectUpload:
		return a.acquireUpload(ctx, scope, src)
	case types.SourceRemoteFile:
		return a.acquireRemote(ctx, scope, src)
	case types.SourceRemoteFolder:
		return types.LocalMediaFile{}, errs.E(errs.KindInvalidReference, "acquire", "folder links are processed as batches")
	}
	return types.LocalMediaFile{}, errs.E(errs.KindInvalidReference, "acquire", "unknown source kind")
}

func (a *Acquirer) acquireUpload(ctx context.Context, scope *tempfs.Scope, src types.MediaSource) (types.LocalMediaFile, error) {
	const op = "acquire.upload"
	if a.files == nil {
		return types.LocalMediaFile{}, errs.E(errs.KindTransport, op, "no transport file source")
	}
	limit := a.limits.MaxUploadBytes
	if src.Size > limit {
		return types.LocalMediaFile{}, tooLarge(op, src.Size, limit)
	}

	path := scope.NewPath(extOf(src.FileName, ".bin"))
	var written int64
	err := retry.Linear(ctx, a.limits.Attempts, a.limits.BackoffStep, func() error {
		ref, err := a.files.FileInfo(ctx, src.FileRef)
		if err != nil {
			return err
		}
		if ref.Size > limit {
			return tooLarge(op, ref.Size, limit)
		}
		written, err = copyLimited(ctx, op, path, limit, func() (io.ReadCloser, error) {
			return a.files.Open(ctx, ref)
		})
		return err
	}, a.notify(op, src.FileRef))
	if err != nil {
		_ = scope.Release(path)
		return types.LocalMediaFile{}, err
	}

	name := src.FileName
	if name == "" {
		name = filepath.Base(path)
	}
	return types.LocalMediaFile{Path: path, Name: name, MimeType: src.MimeType, Size: written}, nil
}

func (a *Acquirer) acquireRemote(ctx context.Context, scope *tempfs.Scope, src types.MediaSource) (types.LocalMediaFile, error) {
	const op = "acquire.remote"
	if a.store == nil {
		return types.LocalMediaFile{}, errs.E(errs.KindTransport, op, "no remote storage configured")
	}

	id := src.RemoteID
	if id == "" {
		ref, err := remote.ParseLink(src.URL)
		if err != nil {
			return types.LocalMediaFile{}, err
		}
		if ref.Kind != remote.RefFile {
			return types.LocalMediaFile{}, errs.E(errs.KindInvalidReference, op, "expected a file link, got a folder")
		}
		id = ref.ID
	}

	limit := a.limits.MaxRemoteBytes
	var item remote.Item
	err := retry.Linear(ctx, a.limits.Attempts, a.limits.BackoffStep, func() error {
		var err error
		item, err = a.store.Stat(ctx, id)
		return err
	}, a.notify("drive.stat", id))
	if err != nil {
		return types.LocalMediaFile{}, err
	}
	if item.MimeType == remote.FolderMimeType {
		return types.LocalMediaFile{}, errs.E(errs.KindInvalidReference, op, "expected a file link, got a folder")
	}
	if item.Size > limit {
		return types.LocalMediaFile{}, tooLarge(op, item.Size, limit)
	}

	name := item.Name
	if name == "" {
		name = src.FileName
	}
	path := scope.NewPath(extOf(name, ".bin"))
	var written int64
	err = retry.Linear(ctx, a.limits.Attempts, a.limits.BackoffStep, func() error {
		var err error
		written, err = copyLimited(ctx, op, path, limit, func() (io.ReadCloser, error) {
			return a.store.Download(ctx, id)
		})
		return err
	}, a.notify("drive.download", id))
	if err != nil {
		_ = scope.Release(path)
		return types.LocalMediaFile{}, err
	}

	mime := item.MimeType
	if mime == "" {
		mime = src.MimeType
	}
	return types.LocalMediaFile{Path: path, Name: name, MimeType: mime, Size: written}, nil
}

// copyLimited writes at most limit bytes to path. A larger body fails with
// too_large; the partial file stays for the caller's scope to delete.
func copyLimited(ctx context.Context, op, path string, limit int64, open func() (io.ReadCloser, error)) (int64, error) {
	rc, err := open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("%s: create temp file: %w", op, err)
	}
	n, copyErr := io.Copy(f, io.LimitReader(rc, limit+1))
	closeErr := f.Close()

	if copyErr != nil {
		if ctx.Err() != nil && errors.Is(copyErr, ctx.Err()) {
			return n, copyErr
		}
		return n, errs.Network(op, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("%s: close temp file: %w", op, closeErr)
	}
	if n > limit {
		return n, tooLarge(op, n, limit)
	}
	return n, nil
}

func (a *Acquirer) notify(op, id string) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		a.log.WithFields(logrus.Fields{
			"op":      op,
			"file_id": id,
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		}).WithError(err).Warn("transient acquisition failure, retrying")
	}
}

func tooLarge(op string, size, limit int64) error {
	return errs.E(errs.KindTooLarge, op, fmt.Sprintf("%d bytes exceeds limit of %d", size, limit))
}

func extOf(name, def string) string {
	if ext := filepath.Ext(name); ext != "" {
		return ext
	}
	return def
}
