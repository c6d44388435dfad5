// Package remote talks to the remote storage provider (Google Drive v3).
//
// Credentials come from outside the process: a service-account or other
// Google credentials file, a fixed access token, or an API key for public
// files. With none of them the client falls back to application default
// credentials.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"voice-intake-go/internal/errs"
)

// FolderMimeType marks Drive folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// MediaMimeFilter selects audio, video and untyped binary files.
var MediaMimeFilter = []string{"audio/", "video/", "application/octet-stream"}

// Item is one storage object.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size,string"`
}

// Page is one listing page.
type Page struct {
	Items         []Item
	NextPageToken string
}

// Storage is the remote-storage contract the pipeline depends on.
type Storage interface {
	ListFolder(ctx context.Context, folderID string, mimeFilter []string, pageToken string) (Page, error)
	Stat(ctx context.Context, fileID string) (Item, error)
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// DriveOptions selects the endpoint and credentials of a DriveClient.
type DriveOptions struct {
	// Endpoint overrides the Drive v3 base path (for example a proxy).
	Endpoint string
	// CredentialsFile is a Google credentials JSON file, usually a service
	// account key. Tokens are refreshed automatically.
	CredentialsFile string
	AccessToken     string
	APIKey          string
	// HTTPClient replaces the authenticated transport entirely.
	HTTPClient *http.Client
	PageSize   int64
}

// DriveClient implements Storage on the Drive v3 API.
type DriveClient struct {
	files    *drive.FilesService
	pageSize int64
}

// NewDriveClient builds the Drive service. A broken credentials file fails
// here instead of on the first download.
func NewDriveClient(ctx context.Context, opts DriveOptions) (*DriveClient, error) {
	copts, err := clientOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	svc, err := drive.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &DriveClient{files: svc.Files, pageSize: opts.PageSize}, nil
}

func clientOptions(ctx context.Context, opts DriveOptions) ([]option.ClientOption, error) {
	var copts []option.ClientOption
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	switch {
	case opts.HTTPClient != nil:
		copts = append(copts, option.WithHTTPClient(opts.HTTPClient))
	case opts.CredentialsFile != "":
		data, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read drive credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, drive.DriveReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse drive credentials: %w", err)
		}
		copts = append(copts, option.WithCredentials(creds))
	case opts.AccessToken != "":
		copts = append(copts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.AccessToken})))
	case opts.APIKey != "":
		copts = append(copts, option.WithAPIKey(opts.APIKey))
	}
	return copts, nil
}

// ListFolder lists one page of folder children matching mimeFilter. Entries
// ending in "/" match as prefixes, others as exact types.
func (d *DriveClient) ListFolder(ctx context.Context, folderID string, mimeFilter []string, pageToken string) (Page, error) {
	call := d.files.List().
		Q(folderQuery(folderID, mimeFilter)).
		Fields("nextPageToken, files(id, name, mimeType, size)").
		PageSize(d.pageSize).
		OrderBy("name").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return Page{}, apiError("drive.list", err)
	}
	page := Page{NextPageToken: res.NextPageToken, Items: make([]Item, 0, len(res.Files))}
	for _, f := range res.Files {
		page.Items = append(page.Items, toItem(f))
	}
	return page, nil
}

// Stat returns file metadata.
func (d *DriveClient) Stat(ctx context.Context, fileID string) (Item, error) {
	f, err := d.files.Get(fileID).
		Fields("id, name, mimeType, size").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return Item{}, apiError("drive.stat", err)
	}
	return toItem(f), nil
}

// Download streams file content. The caller closes the reader.
func (d *DriveClient) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := d.files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, apiError("drive.download", err)
	}
	return resp.Body, nil
}

func toItem(f *drive.File) Item {
	return Item{ID: f.Id, Name: f.Name, MimeType: f.MimeType, Size: f.Size}
}

func folderQuery(folderID string, mimeFilter []string) string {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))
	if len(mimeFilter) == 0 {
		return q
	}
	conds := make([]string, 0, len(mimeFilter))
	for _, m := range mimeFilter {
		if strings.HasSuffix(m, "/") {
			conds = append(conds, fmt.Sprintf("mimeType contains '%s'", escapeQuery(m)))
		} else {
			conds = append(conds, fmt.Sprintf("mimeType = '%s'", escapeQuery(m)))
		}
	}
	return q + " and (" + strings.Join(conds, " or ") + ")"
}

// apiError maps Drive failures. Drive answers 404 for files the credential
// cannot see, so 401/403/404 are all treated as not found.
func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return errs.Network(op, err)
	}
	reason := fmt.Sprintf("status %d: %s", gerr.Code, strings.TrimSpace(gerr.Message))
	switch status := gerr.Code; {
	case status == http.StatusNotFound, status == http.StatusForbidden, status == http.StatusUnauthorized:
		return errs.E(errs.KindNotFound, op, reason)
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return errs.E(errs.KindTransport, op, reason)
	default:
		return errs.E(errs.KindInvalidReference, op, reason)
	}
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}
