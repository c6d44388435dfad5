// Package extractor derives structured fields (phone number, call date) from
// a media file name through a secondary chat-completions call.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/retry"
	"voice-intake-go/internal/types"
)

const fileNamePrompt = `Extract fields from the audio recording file name below.
Return ONLY a JSON object with these string keys:
{"phone": "", "day": "", "month": "", "year": ""}

Rules:
- phone: the client phone number, digits only, keep the country code if present.
- day, month: two digits. year: four digits.
- Leave a field empty if the name does not contain it. Do not guess.
- No commentary, no markdown.

FILE NAME:
%s
`

// Options configures an Extractor.
type Options struct {
	URL        string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxElapsed time.Duration
	HTTPClient *http.Client
}

// Extractor calls a chat-completions endpoint to parse file names.
type Extractor struct {
	opts Options
	http *http.Client
	log  *logger.Logger
}

func New(opts Options) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 45 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Extractor{opts: opts, http: hc, log: logger.Component("extractor")}
}

// FromFileName asks the model for the fields of name. When the call fails or
// the reply has no usable JSON, the local parser's best effort is returned
// together with the error so callers can log and continue.
func (e *Extractor) FromFileName(ctx context.Context, name string) (types.FileNameFields, error) {
	const op = "extractor.file_name"
	local := ParseFileName(name)
	if e.opts.URL == "" || e.opts.APIKey == "" {
		return local, nil
	}

	reqBody := map[string]any{
		"model": e.opts.Model,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(fileNamePrompt, name)},
		},
		"temperature": 0.0,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return local, errs.Wrap(errs.KindAnalysis, op, err)
	}

	var extracted types.FileNameFields
	err = retry.Exponential(ctx, 3, e.opts.MaxElapsed, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(), bytes.NewReader(data))
		if err != nil {
			return errs.Wrap(errs.KindAnalysis, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+e.opts.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.http.Do(req)
		if err != nil {
			return errs.Network(op, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		e.log.WithField("http_status", resp.StatusCode).Debug("llm raw:\n" + string(body))

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return errs.E(errs.KindTransport, op, fmt.Sprintf("status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return errs.E(errs.KindAnalysis, op, fmt.Sprintf("status %d", resp.StatusCode))
		}

		// choices[0].message.content first, then any JSON object in the body
		if inner := extractContentFromChoices(body); inner != "" {
			if err := json.Unmarshal([]byte(inner), &extracted); err == nil {
				return nil
			}
		}
		if fallback := extractJSON(string(body)); fallback != "" {
			if err := json.Unmarshal([]byte(fallback), &extracted); err == nil && extracted != (types.FileNameFields{}) {
				return nil
			}
		}
		return errs.E(errs.KindAnalysis, op, "no JSON found in LLM output")
	}, nil)
	if err != nil {
		return local, err
	}

	out := merge(normalize(extracted), local)
	e.log.WithFields(logrus.Fields{"file": name, "fields": fmt.Sprintf("%+v", out)}).Debug("parsed file name fields")
	return out, nil
}

func (e *Extractor) endpoint() string {
	u := strings.TrimRight(e.opts.URL, "/")
	if strings.HasSuffix(u, "/chat/completions") {
		return u
	}
	return u + "/chat/completions"
}

// merge fills empty fields of primary from secondary.
func merge(primary, secondary types.FileNameFields) types.FileNameFields {
	if primary.Phone == "" {
		primary.Phone = secondary.Phone
	}
	if primary.Day == "" {
		primary.Day = secondary.Day
	}
	if primary.Month == "" {
		primary.Month = secondary.Month
	}
	if primary.Year == "" {
		primary.Year = secondary.Year
	}
	return primary
}

var nonDigit = regexp.MustCompile(`\D`)

func normalize(f types.FileNameFields) types.FileNameFields {
	f.Phone = nonDigit.ReplaceAllString(f.Phone, "")
	f.Day = pad2(nonDigit.ReplaceAllString(f.Day, ""))
	f.Month = pad2(nonDigit.ReplaceAllString(f.Month, ""))
	f.Year = nonDigit.ReplaceAllString(f.Year, "")
	if len(f.Year) == 2 {
		f.Year = "20" + f.Year
	}
	return f
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

var (
	isoDate   = regexp.MustCompile(`(20\d{2})[-_.]?(0[1-9]|1[0-2])[-_.]?(0[1-9]|[12]\d|3[01])`)
	dmyDate   = regexp.MustCompile(`(0[1-9]|[12]\d|3[01])[-_.](0[1-9]|1[0-2])[-_.](20\d{2})`)
	phoneLike = regexp.MustCompile(`\+?\d[\d\-() ]{8,16}\d`)
)

// ParseFileName is the local heuristic used when no model is configured or
// the model call fails. It recognises YYYY-MM-DD / YYYYMMDD and DD.MM.YYYY
// dates and 10 to 12 digit phone numbers.
func ParseFileName(name string) types.FileNameFields {
	var f types.FileNameFields
	rest := name

	if m := standalone(isoDate, rest); m != nil {
		f.Year, f.Month, f.Day = rest[m[2]:m[3]], rest[m[4]:m[5]], rest[m[6]:m[7]]
		rest = rest[:m[0]] + " " + rest[m[1]:]
	} else if m := standalone(dmyDate, rest); m != nil {
		f.Day, f.Month, f.Year = rest[m[2]:m[3]], rest[m[4]:m[5]], rest[m[6]:m[7]]
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}

	for _, cand := range phoneLike.FindAllString(rest, -1) {
		digits := nonDigit.ReplaceAllString(cand, "")
		if len(digits) >= 10 && len(digits) <= 12 {
			f.Phone = digits
			break
		}
	}
	return f
}

// standalone returns the first match of re not embedded in a longer digit run.
func standalone(re *regexp.Regexp, s string) []int {
	for _, m := range re.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > 0 && isDigit(s[m[0]-1]) {
			continue
		}
		if m[1] < len(s) && isDigit(s[m[1]]) {
			continue
		}
		return m
	}
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// extractContentFromChoices reads choices[0].message.content and returns the
// JSON object inside it.
func extractContentFromChoices(body []byte) string {
	var obj struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &obj); err != nil || len(obj.Choices) == 0 {
		return ""
	}
	return extractJSON(obj.Choices[0].Message.Content)
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```", "`"} {
		s = strings.ReplaceAll(s, r, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		switch c := s[i]; {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}
