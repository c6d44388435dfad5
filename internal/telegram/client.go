// Package telegram adapts go-telegram-bot-api to the service: long polling,
// webhooks, messages with inline keyboards and file downloads, with Bot API
// failures mapped onto the service's error kinds.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/acquire"
	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/retry"
)

var allowedUpdates = []string{"message", "callback_query"}

// Client calls the Bot API for one bot token.
type Client struct {
	bot    *tgbotapi.BotAPI
	apiURL string
	http   *http.Client
	log    *logger.Logger
}

// NewClient connects to the Bot API at apiURL (a local Bot API server or
// the public one) and checks the token with getMe.
func NewClient(apiURL, token string, hc *http.Client) (*Client, error) {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	apiURL = strings.TrimRight(apiURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second}
	}
	log := logger.Component("telegram")
	_ = tgbotapi.SetLogger(log)

	bot, err := tgbotapi.NewBotAPIWithClient(token, apiURL+"/bot%s/%s", hc)
	if err != nil {
		return nil, apiError("telegram.getMe", err)
	}
	return &Client{bot: bot, apiURL: apiURL, http: hc, log: log}, nil
}

// Username is the bot's own username.
func (c *Client) Username() string { return c.bot.Self.UserName }

// apiError maps library errors. Decode and network failures carry no API
// error and are treated as transport failures.
func apiError(op string, err error) error {
	var code, retryAfter int
	var desc string
	var perr *tgbotapi.Error
	var verr tgbotapi.Error
	switch {
	case errors.As(err, &perr):
		code, desc, retryAfter = perr.Code, perr.Message, perr.RetryAfter
	case errors.As(err, &verr):
		code, desc, retryAfter = verr.Code, verr.Message, verr.RetryAfter
	default:
		return errs.Network(op, err)
	}

	switch {
	case code == http.StatusTooManyRequests:
		if retryAfter > 0 {
			desc = fmt.Sprintf("%s (retry after %ds)", desc, retryAfter)
		}
		return errs.E(errs.KindRateLimited, op, desc)
	case code >= 500:
		return errs.E(errs.KindTransport, op, desc)
	case strings.Contains(desc, "file is too big"):
		return errs.E(errs.KindTooLarge, op, desc)
	case code == http.StatusNotFound || strings.Contains(desc, "wrong file_id") ||
		strings.Contains(desc, "file not found"):
		return errs.E(errs.KindNotFound, op, desc)
	}
	return errs.E(errs.KindService, op, fmt.Sprintf("%d %s", code, desc))
}

// GetUpdates long-polls for updates after offset. The library call has no
// context, so a cancelled ctx abandons the pending poll; its updates are
// redelivered because their offset was never confirmed.
func (c *Client) GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(timeout.Seconds())
	cfg.AllowedUpdates = allowedUpdates

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		u, err := c.bot.GetUpdates(cfg)
		done <- result{u, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, apiError("telegram.getUpdates", r.err)
		}
		return r.updates, nil
	}
}

// Poll delivers updates to handle until ctx is done. Failed polls are
// logged and retried after a short pause.
func (c *Client) Poll(ctx context.Context, timeout time.Duration, handle func(context.Context, tgbotapi.Update)) error {
	if err := c.DeleteWebhook(ctx); err != nil {
		c.log.WithError(err).Warn("delete webhook before polling failed")
	}
	offset := 0
	pause := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := c.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).WithField("pause_ms", pause.Milliseconds()).Warn("getUpdates failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			handle(ctx, u)
		}
	}
}

// SetWebhook registers url. WebhookConfig has no secret_token field, so the
// call is made with raw params.
func (c *Client) SetWebhook(_ context.Context, url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return errs.Wrap(errs.KindService, "telegram.setWebhook", err)
	}
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return apiError("telegram.setWebhook", err)
	}
	return nil
}

func (c *Client) DeleteWebhook(_ context.Context) error {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return apiError("telegram.deleteWebhook", err)
	}
	return nil
}

// SendMessage sends plain text, optionally with an inline keyboard.
// Transient failures are retried.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if kb != nil {
		msg.ReplyMarkup = *kb
	}
	return retry.Exponential(ctx, 3, 30*time.Second, func() error {
		if _, err := c.bot.Send(msg); err != nil {
			return apiError("telegram.sendMessage", err)
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{"chat_id": chatID, "attempt": attempt, "wait_ms": wait.Milliseconds()}).
			WithError(err).Warn("sendMessage failed, retrying")
	})
}

func (c *Client) AnswerCallbackQuery(_ context.Context, id, text string) error {
	if _, err := c.bot.Request(tgbotapi.NewCallback(id, text)); err != nil {
		return apiError("telegram.answerCallbackQuery", err)
	}
	return nil
}

// FileInfo resolves a file id through getFile.
func (c *Client) FileInfo(_ context.Context, fileID string) (acquire.FileRef, error) {
	f, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return acquire.FileRef{}, apiError("telegram.getFile", err)
	}
	if f.FilePath == "" {
		return acquire.FileRef{}, errs.E(errs.KindNotFound, "telegram.getFile", "no file path returned")
	}
	return acquire.FileRef{ID: f.FileID, Path: f.FilePath, Size: int64(f.FileSize)}, nil
}

// Open streams a file resolved by FileInfo. The download URL is built from
// the configured API URL; File.Link always points at the public server.
func (c *Client) Open(ctx context.Context, ref acquire.FileRef) (io.ReadCloser, error) {
	const op = "telegram.download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/file/bot%s/%s", c.apiURL, c.bot.Token, strings.TrimLeft(ref.Path, "/")), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Network(op, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errs.E(errs.KindNotFound, op, ref.Path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, errs.E(errs.KindTransport, op, fmt.Sprintf("status %d", resp.StatusCode))
	}
	resp.Body.Close()
	return nil, errs.E(errs.KindService, op, fmt.Sprintf("status %d", resp.StatusCode))
}

var _ acquire.FileSource = (*Client)(nil)
