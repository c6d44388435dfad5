package types

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind tags a MediaSource.
type SourceKind int

const (
	SourceDirectUpload SourceKind = iota + 1
	SourceRemoteFile
	SourceRemoteFolder
)

func (k SourceKind) String() string {
	switch k {
	case SourceDirectUpload:
		return "direct_upload"
	case SourceRemoteFile:
		return "remote_file"
	case SourceRemoteFolder:
		return "remote_folder"
	}
	return "unknown"
}

// MediaSource is where submitted media comes from.
//
//	DirectUpload: FileRef is the transport's file id.
//	RemoteFile:   URL is a storage link, or RemoteID is an already resolved id.
//	RemoteFolder: URL is a storage folder link.
type MediaSource struct {
	Kind     SourceKind `json:"kind"`
	FileRef  string     `json:"file_ref,omitempty"`
	URL      string     `json:"url,omitempty"`
	RemoteID string     `json:"remote_id,omitempty"`
	FileName string     `json:"file_name,omitempty"`
	MimeType string     `json:"mime_type,omitempty"`
	Size     int64      `json:"size,omitempty"`
}

// DirectUpload builds a source for a file sent through the chat transport.
func DirectUpload(fileRef, name, mime string, size int64) MediaSource {
	return MediaSource{Kind: SourceDirectUpload, FileRef: fileRef, FileName: name, MimeType: mime, Size: size}
}

// RemoteFile builds a source for a storage file link.
func RemoteFile(url string) MediaSource {
	return MediaSource{Kind: SourceRemoteFile, URL: url}
}

// RemoteFolder builds a source for a storage folder link.
func RemoteFolder(url string) MediaSource {
	return MediaSource{Kind: SourceRemoteFolder, URL: url}
}

// LocalMediaFile is media bytes on local ephemeral storage.
type LocalMediaFile struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
}

// NormalizedAudio is a LocalMediaFile in the canonical encoding.
type NormalizedAudio struct {
	LocalMediaFile
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	BitrateBps int           `json:"bitrate_bps"`
}

// AudioChunk is one time slice of a NormalizedAudio.
type AudioChunk struct {
	Index   int            `json:"index"`
	StartMs int64          `json:"start_ms"`
	EndMs   int64          `json:"end_ms"`
	File    LocalMediaFile `json:"file"`
}

// DurationMs is EndMs - StartMs.
func (c AudioChunk) DurationMs() int64 { return c.EndMs - c.StartMs }

// TranscriptText is the ordered transcript of one file.
type TranscriptText struct {
	Parts []string `json:"parts"`
}

// Text joins the parts. Multi-part transcripts carry a label per part.
func (t TranscriptText) Text() string {
	if len(t.Parts) == 1 {
		return t.Parts[0]
	}
	var b strings.Builder
	for i, p := range t.Parts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s\n%s", PartLabel(i, len(t.Parts)), p)
	}
	return b.String()
}

// PartLabel is the marker that precedes part i (0-based) of n.
func PartLabel(i, n int) string {
	return fmt.Sprintf("[Part %d/%d]", i+1, n)
}

// AnalysisResult is the workflow's reply for one transcript.
type AnalysisResult struct {
	Text     string `json:"text"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}
