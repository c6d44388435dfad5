package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"voice-intake-go/internal/acquire"
	"voice-intake-go/internal/errs"
)

// newTestClient answers getMe itself and passes every other request to h.
func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/botTOKEN/getMe" {
			writeOK(w, map[string]any{"id": 7, "is_bot": true, "first_name": "Intake", "username": "intake_bot"})
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "TOKEN", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeOK(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(raw)})
}

func writeMessage(w http.ResponseWriter) {
	writeOK(w, map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 55, "type": "private"}})
}

func TestNewClient_ChecksToken(t *testing.T) {
	c := newTestClient(t, http.NotFound)
	if c.Username() != "intake_bot" {
		t.Fatalf("username = %q", c.Username())
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()
	if _, err := NewClient(srv.URL, "BAD", srv.Client()); !errs.Is(err, errs.KindService) {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestSendMessage_WithKeyboard(t *testing.T) {
	var chatID, text, markup string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = r.ParseForm()
		chatID, text, markup = r.PostForm.Get("chat_id"), r.PostForm.Get("text"), r.PostForm.Get("reply_markup")
		writeMessage(w)
	})

	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Sales", "wf:asst_1"),
	))
	if err := c.SendMessage(context.Background(), 55, "pick one", &kb); err != nil {
		t.Fatal(err)
	}
	if chatID != "55" || text != "pick one" {
		t.Fatalf("chat_id=%q text=%q", chatID, text)
	}
	var got tgbotapi.InlineKeyboardMarkup
	if err := json.Unmarshal([]byte(markup), &got); err != nil {
		t.Fatalf("reply_markup %q: %v", markup, err)
	}
	if data := got.InlineKeyboard[0][0].CallbackData; data == nil || *data != "wf:asst_1" {
		t.Fatalf("button = %+v", got.InlineKeyboard[0][0])
	}
}

func TestSendMessage_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
			return
		}
		writeMessage(w)
	})
	if err := c.SendMessage(context.Background(), 1, "hi", nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestFileInfoAndOpen(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botTOKEN/getFile":
			_ = r.ParseForm()
			if r.PostForm.Get("file_id") != "F1" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: wrong file_id specified"}`)
				return
			}
			writeOK(w, map[string]any{"file_id": "F1", "file_unique_id": "u1", "file_size": 5, "file_path": "voice/file_1.oga"})
		case "/file/botTOKEN/voice/file_1.oga":
			_, _ = io.WriteString(w, "OGGS!")
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	ref, err := c.FileInfo(ctx, "F1")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Path != "voice/file_1.oga" || ref.Size != 5 {
		t.Fatalf("ref = %+v", ref)
	}
	rc, err := c.Open(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "OGGS!" {
		t.Fatalf("content = %q", b)
	}

	if _, err := c.FileInfo(ctx, "nope"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("wrong id: %v", err)
	}
	if _, err := c.Open(ctx, acquire.FileRef{Path: "voice/missing.oga"}); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestAPIErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   errs.Kind
	}{
		{400, `{"ok":false,"error_code":400,"description":"Bad Request: file is too big"}`, errs.KindTooLarge},
		{429, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`, errs.KindRateLimited},
		{403, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, errs.KindService},
		{502, `<html>bad gateway</html>`, errs.KindTransport},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, tt.body)
		})
		err := c.AnswerCallbackQuery(context.Background(), "cb", "")
		if !errs.Is(err, tt.kind) {
			t.Errorf("status %d: got %v, want %s", tt.status, err, tt.kind)
		}
	}
}

func TestSetWebhook_SendsSecret(t *testing.T) {
	var form map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = map[string]string{
			"path":    r.URL.Path,
			"url":     r.PostForm.Get("url"),
			"secret":  r.PostForm.Get("secret_token"),
			"allowed": r.PostForm.Get("allowed_updates"),
		}
		writeOK(w, true)
	})
	if err := c.SetWebhook(context.Background(), "https://bot.example.com/hook", "s3cret"); err != nil {
		t.Fatal(err)
	}
	if form["path"] != "/botTOKEN/setWebhook" || form["url"] != "https://bot.example.com/hook" || form["secret"] != "s3cret" {
		t.Fatalf("form = %v", form)
	}
	if !strings.Contains(form["allowed"], "callback_query") {
		t.Fatalf("allowed_updates = %q", form["allowed"])
	}
}

func TestPoll_AdvancesOffset(t *testing.T) {
	var offsets []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/deleteWebhook"):
			writeOK(w, true)
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			_ = r.ParseForm()
			offsets = append(offsets, r.PostForm.Get("offset"))
			if len(offsets) == 1 {
				writeOK(w, []map[string]any{
					{"update_id": 10, "message": map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 1}, "text": "/start"}},
					{"update_id": 11, "message": map[string]any{"message_id": 2, "date": 0, "chat": map[string]any{"id": 1}, "text": "hello"}},
				})
				return
			}
			cancel()
			writeOK(w, []any{})
		}
	})

	var texts []string
	err := c.Poll(ctx, time.Second, func(_ context.Context, u tgbotapi.Update) {
		texts = append(texts, u.Message.Text)
	})
	if err != context.Canceled {
		t.Fatalf("poll returned %v", err)
	}
	if len(texts) != 2 || texts[1] != "hello" {
		t.Fatalf("texts = %v", texts)
	}
	// a zero offset is omitted from the request
	if len(offsets) < 2 || offsets[0] != "" || offsets[1] != "12" {
		t.Fatalf("offsets = %v", offsets)
	}
}
