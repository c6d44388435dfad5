package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/retry"
)

// AssistantsClient implements Workflow on the Assistants v2 REST API. The
// workflow id is the assistant id.
type AssistantsClient struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	maxRetry int
	log      *logger.Logger
}

func NewAssistantsClient(baseURL, apiKey string, hc *http.Client) *AssistantsClient {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &AssistantsClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     hc,
		maxRetry: 3,
		log:      logger.Component("analysis"),
	}
}

type idResponse struct {
	ID string `json:"id"`
}

func (c *AssistantsClient) CreateThread(ctx context.Context) (string, error) {
	var r idResponse
	if err := c.doJSON(ctx, "analysis.create_thread", http.MethodPost, "/threads", struct{}{}, &r); err != nil {
		return "", err
	}
	return r.ID, nil
}

func (c *AssistantsClient) PostMessage(ctx context.Context, threadID, text string) error {
	body := map[string]string{"role": "user", "content": text}
	return c.postOnce(ctx, "analysis.post_message",
		"/threads/"+url.PathEscape(threadID)+"/messages", body, nil)
}

func (c *AssistantsClient) StartRun(ctx context.Context, threadID, workflowID string) (string, error) {
	var r idResponse
	body := map[string]string{"assistant_id": workflowID}
	if err := c.postOnce(ctx, "analysis.start_run",
		"/threads/"+url.PathEscape(threadID)+"/runs", body, &r); err != nil {
		return "", err
	}
	return r.ID, nil
}

func (c *AssistantsClient) RunStatus(ctx context.Context, threadID, runID string) (RunState, error) {
	var r struct {
		Status    string `json:"status"`
		LastError *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"last_error"`
	}
	if err := c.doJSON(ctx, "analysis.run_status", http.MethodGet,
		"/threads/"+url.PathEscape(threadID)+"/runs/"+url.PathEscape(runID), nil, &r); err != nil {
		return RunState{}, err
	}
	st := RunState{Status: ParseStatus(r.Status), Raw: r.Status}
	if r.LastError != nil {
		st.Error = strings.TrimSpace(r.LastError.Code + " " + r.LastError.Message)
	}
	return st, nil
}

func (c *AssistantsClient) LatestMessage(ctx context.Context, threadID string) (string, error) {
	var r struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=1"
	if err := c.doJSON(ctx, "analysis.list_messages", http.MethodGet, path, nil, &r); err != nil {
		return "", err
	}
	if len(r.Data) == 0 {
		return "", errs.E(errs.KindAnalysis, "analysis.list_messages", "thread has no messages")
	}
	var parts []string
	for _, part := range r.Data[0].Content {
		if part.Type == "text" && part.Text.Value != "" {
			parts = append(parts, part.Text.Value)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// doJSON sends body as JSON and decodes the answer into target. Network
// errors, 429 and 5xx are retried; other statuses fail immediately. Only
// reads and thread creation go through here: a retried duplicate thread is
// simply never used.
func (c *AssistantsClient) doJSON(ctx context.Context, op, method, path string, body, target any) error {
	payload, err := encode(op, body)
	if err != nil {
		return err
	}
	return retry.Exponential(ctx, c.maxRetry, 20*time.Second, func() error {
		return c.send(ctx, op, method, path, payload, target)
	}, func(attempt int, err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{"op": op, "attempt": attempt, "wait_ms": wait.Milliseconds()}).
			WithError(err).Warn("analysis call failed, retrying")
	})
}

// postOnce sends a POST that must not be repeated: a lost response after a
// message post or run start would otherwise duplicate the transcript or run.
func (c *AssistantsClient) postOnce(ctx context.Context, op, path string, body, target any) error {
	payload, err := encode(op, body)
	if err != nil {
		return err
	}
	return c.send(ctx, op, http.MethodPost, path, payload, target)
}

func encode(op string, body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindAnalysis, op, err)
	}
	return b, nil
}

func (c *AssistantsClient) send(ctx context.Context, op, method, path string, payload []byte, target any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errs.Wrap(errs.KindAnalysis, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Network(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Network(op, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return errs.E(errs.KindTransport, op, fmt.Sprintf("status %d: %s", resp.StatusCode, clip(raw)))
	}
	if resp.StatusCode >= 300 {
		return errs.E(errs.KindAnalysis, op, fmt.Sprintf("status %d: %s", resp.StatusCode, clip(raw)))
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errs.Wrapf(errs.KindAnalysis, op, err, "json decode error body=%s", clip(raw))
	}
	return nil
}

func clip(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
