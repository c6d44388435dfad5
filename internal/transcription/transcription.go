package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/retry"
)

// Protocol selects the wire format of the transcription service.
type Protocol string

const (
	// ProtocolMultipart posts a form upload to <url>/audio/transcriptions
	// and reads {"text": ...}.
	ProtocolMultipart Protocol = "multipart"
	// ProtocolRaw posts the audio bytes as the request body to <url> and
	// reads {"result": ...}.
	ProtocolRaw Protocol = "raw"
)

// Service turns one audio file into text.
type Service interface {
	Transcribe(ctx context.Context, path, language string) (string, error)
}

// Options configures Client.
type Options struct {
	URL        string
	APIKey     string
	Model      string
	Protocol   Protocol
	Timeout    time.Duration
	MaxRetry   int
	MaxElapsed time.Duration
	HTTPClient *http.Client
}

// Client is the HTTP transcription service client.
type Client struct {
	opts Options
	http *http.Client
	log  *logger.Logger
}

func NewClient(opts Options) *Client {
	if opts.Protocol == "" {
		opts.Protocol = ProtocolMultipart
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, http: hc, log: logger.Component("transcription")}
}

// Transcribe uploads path and returns the recognised text. Network failures
// and 5xx answers are retried with exponential backoff; 429 surfaces as
// rate_limited once retries are exhausted.
func (c *Client) Transcribe(ctx context.Context, path, language string) (string, error) {
	const op = "transcription.transcribe"
	audio, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Wrap(errs.KindService, op, err)
	}

	var text string
	err = retry.Exponential(ctx, c.opts.MaxRetry, c.opts.MaxElapsed, func() error {
		req, err := c.newRequest(ctx, filepath.Base(path), audio, language)
		if err != nil {
			return errs.Wrap(errs.KindService, op, err)
		}
		text, err = c.do(req)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		}).WithError(err).Warn("transcription call failed, retrying")
	})
	if err != nil {
		// transport failures are reported in the transcription taxonomy
		if errs.Is(err, errs.KindTimeout) || errs.Is(err, errs.KindTransport) {
			return "", errs.Wrap(errs.KindService, op, err)
		}
		return "", err
	}
	return text, nil
}

func (c *Client) newRequest(ctx context.Context, name string, audio []byte, language string) (*http.Request, error) {
	switch c.opts.Protocol {
	case ProtocolRaw:
		u, err := url.Parse(c.opts.URL)
		if err != nil {
			return nil, err
		}
		if language != "" {
			q := u.Query()
			q.Set("language", language)
			u.RawQuery = q.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audio))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "audio/mpeg")
		c.authorize(req)
		return req, nil

	default:
		var b bytes.Buffer
		w := multipart.NewWriter(&b)
		part, err := w.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(audio); err != nil {
			return nil, err
		}
		if c.opts.Model != "" {
			_ = w.WriteField("model", c.opts.Model)
		}
		if language != "" {
			_ = w.WriteField("language", language)
		}
		_ = w.WriteField("response_format", "json")
		if err := w.Close(); err != nil {
			return nil, err
		}
		endpoint := strings.TrimRight(c.opts.URL, "/") + "/audio/transcriptions"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &b)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		c.authorize(req)
		return req, nil
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
}

type response struct {
	Text   string          `json:"text"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) do(req *http.Request) (string, error) {
	const op = "transcription.call"
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Network(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Network(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errs.E(errs.KindRateLimited, op, snippet(body))
	case resp.StatusCode >= 500:
		return "", errs.E(errs.KindTransport, op, fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(body)))
	case resp.StatusCode != http.StatusOK:
		return "", errs.E(errs.KindService, op, fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(body)))
	}

	if len(body) == 0 {
		return "", errs.E(errs.KindService, op, "empty body")
	}
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", errs.Wrapf(errs.KindService, op, err, "json decode error body=%s", snippet(body))
	}
	if c.opts.Protocol == ProtocolRaw {
		return decodeResult(r.Result)
	}
	return strings.TrimSpace(r.Text), nil
}

// decodeResult accepts "result" as a string or as a list of utterances.
func decodeResult(raw json.RawMessage) (string, error) {
	const op = "transcription.decode"
	if len(raw) == 0 || string(raw) == "null" {
		return "", errs.E(errs.KindService, op, "response has no result")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errs.Wrap(errs.KindService, op, err)
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
