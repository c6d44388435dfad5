package remote

import (
	"net/url"
	"regexp"
	"strings"

	"voice-intake-go/internal/errs"
)

// RefKind tells a file link from a folder link.
type RefKind int

const (
	RefFile RefKind = iota + 1
	RefFolder
)

// Ref is a storage object id extracted from a link.
type Ref struct {
	ID   string
	Kind RefKind
}

var (
	idRe       = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
	fileRe     = regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`)
	docRe      = regexp.MustCompile(`^/(?:document|spreadsheets|presentation|forms)/d/([A-Za-z0-9_-]+)`)
	folderRe   = regexp.MustCompile(`/folders/([A-Za-z0-9_-]+)`)
	knownHosts = map[string]bool{
		"drive.google.com": true,
		"docs.google.com":  true,
	}
)

// ParseLink extracts a file or folder id from a Google Drive link. Supported
// shapes are file-view links (/file/d/<id>), folder links (/drive/folders/<id>,
// /drive/u/0/folders/<id>), query-parameter links (open?id=, uc?id=,
// folderview?id=) and Docs editor links.
func ParseLink(raw string) (Ref, error) {
	const op = "remote.parse_link"

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return Ref{}, errs.E(errs.KindInvalidReference, op, "not a url")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if !knownHosts[host] {
		return Ref{}, errs.E(errs.KindInvalidReference, op, "unsupported host "+host)
	}

	if m := folderRe.FindStringSubmatch(u.Path); m != nil && idRe.MatchString(m[1]) {
		return Ref{ID: m[1], Kind: RefFolder}, nil
	}
	if m := fileRe.FindStringSubmatch(u.Path); m != nil && idRe.MatchString(m[1]) {
		return Ref{ID: m[1], Kind: RefFile}, nil
	}
	if m := docRe.FindStringSubmatch(u.Path); m != nil && idRe.MatchString(m[1]) {
		return Ref{ID: m[1], Kind: RefFile}, nil
	}
	if id := u.Query().Get("id"); id != "" && idRe.MatchString(id) {
		kind := RefFile
		if strings.HasSuffix(u.Path, "/folderview") {
			kind = RefFolder
		}
		return Ref{ID: id, Kind: kind}, nil
	}
	return Ref{}, errs.E(errs.KindInvalidReference, op, "unrecognised link shape")
}

// IsLink reports whether s looks like an http(s) URL at all.
func IsLink(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
