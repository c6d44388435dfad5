package bot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"voice-intake-go/internal/batch"
	"voice-intake-go/internal/config"
	"voice-intake-go/internal/conversation"
	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/processor"
	"voice-intake-go/internal/types"
)

func textUpdate(user int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: user, UserName: "op"},
		Chat:      &tgbotapi.Chat{ID: user},
		Text:      text,
	}}
}

func callbackUpdate(user int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: user},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: user}},
		Data:    data,
	}}
}

func mediaMessage(user int64, m tgbotapi.Message) tgbotapi.Update {
	m.From = &tgbotapi.User{ID: user, UserName: "op"}
	m.Chat = &tgbotapi.Chat{ID: user}
	return tgbotapi.Update{Message: &m}
}

func TestClassify(t *testing.T) {
	voice := tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 9, From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 2},
		Voice: &tgbotapi.Voice{FileID: "V1", MimeType: "audio/ogg", FileSize: 100},
	}}
	doc := tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 2},
		Document: &tgbotapi.Document{FileID: "D1", FileName: "call.wav"},
	}}

	tests := []struct {
		name   string
		u      tgbotapi.Update
		kind   Kind
		event  conversation.EventKind
		value  string
		source types.SourceKind
	}{
		{"workflow button", callbackUpdate(1, "wf:asst_9"), KindCallbackAction, conversation.EventWorkflowChoice, "asst_9", 0},
		{"mode button", callbackUpdate(1, "mode:folder"), KindCallbackAction, conversation.EventInputModeChoice, "folder", 0},
		{"workflow command", textUpdate(1, "/workflow asst_7"), KindCommand, conversation.EventWorkflowChoice, "asst_7", 0},
		{"sink text", textUpdate(1, "  sales-2025 "), KindText, conversation.EventSinkID, "sales-2025", 0},
		{"file link", textUpdate(1, "https://drive.google.com/file/d/FILE12345678/view"), KindText, conversation.EventMedia, "", types.SourceRemoteFile},
		{"folder link", textUpdate(1, "https://drive.google.com/drive/folders/FOLDER123456"), KindText, conversation.EventMedia, "", types.SourceRemoteFolder},
		{"voice", voice, KindVoiceNote, conversation.EventMedia, "", types.SourceDirectUpload},
		{"document", doc, KindDocument, conversation.EventMedia, "", types.SourceDirectUpload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Classify(tt.u)
			if in.Kind != tt.kind || !in.HasEvent || in.Event.Kind != tt.event || in.Event.Value != tt.value {
				t.Fatalf("got %+v", in)
			}
			if in.Source.Kind != tt.source {
				t.Fatalf("source = %v, want %v", in.Source.Kind, tt.source)
			}
		})
	}

	in := Classify(voice)
	if in.Source.FileRef != "V1" || in.Source.FileName != "voice_9.ogg" || in.Source.Size != 100 || in.Submitter.ChatID != 2 {
		t.Fatalf("voice inbound = %+v", in)
	}
	if in := Classify(textUpdate(1, "/start@intake_bot")); in.Kind != KindCommand || in.Command != "start" || in.HasEvent {
		t.Fatalf("start = %+v", in)
	}
	if in := Classify(tgbotapi.Update{}); in.Kind != KindIgnored {
		t.Fatalf("empty update = %+v", in)
	}
}

type sent struct {
	chat int64
	text string
	kb   *tgbotapi.InlineKeyboardMarkup
}

type fakeMessenger struct {
	mu       sync.Mutex
	messages []sent
	answered int
}

func (f *fakeMessenger) SendMessage(_ context.Context, chat int64, text string, kb *tgbotapi.InlineKeyboardMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sent{chat, text, kb})
	return nil
}

func (f *fakeMessenger) AnswerCallbackQuery(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered++
	return nil
}

func (f *fakeMessenger) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1]
}

func (f *fakeMessenger) all() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, m := range f.messages {
		b.WriteString(m.text)
		b.WriteString("\n")
	}
	return b.String()
}

type fakeFiles struct {
	mu   sync.Mutex
	jobs []processor.Job
	err  error
}

func (f *fakeFiles) Process(_ context.Context, job processor.Job) (processor.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.err != nil {
		return processor.Result{}, f.err
	}
	return processor.Result{FileName: job.Source.FileName, RowNumber: 5, Analysis: "score 8/10"}, nil
}

type fakeFolders struct {
	outcomes []types.Outcome
	url      string
}

func (f *fakeFolders) ProcessFolder(_ context.Context, url string, _ processor.Job) (batch.Report, error) {
	f.url = url
	return batch.Report{Outcomes: f.outcomes, Empty: len(f.outcomes) == 0}, nil
}

func newHandler(files *fakeFiles, folders *fakeFolders) (*Handler, *fakeMessenger) {
	msgr := &fakeMessenger{}
	m := conversation.NewMachine(conversation.NewMemoryStore())
	h := NewHandler(msgr, m, files, folders, HandlerOptions{
		Workflows: []config.Workflow{{Name: "Sales QA", ID: "asst_1"}},
		PageLines: 2,
	})
	return h, msgr
}

func configure(t *testing.T, h *Handler, user int64, mode string) {
	t.Helper()
	ctx := context.Background()
	h.HandleUpdate(ctx, textUpdate(user, "/start"))
	h.HandleUpdate(ctx, callbackUpdate(user, "wf:asst_1"))
	h.HandleUpdate(ctx, textUpdate(user, "team-a"))
	h.HandleUpdate(ctx, callbackUpdate(user, "mode:"+mode))
}

func TestHandler_DialogThenSingleFile(t *testing.T) {
	files := &fakeFiles{}
	h, msgr := newHandler(files, &fakeFolders{})
	ctx := context.Background()

	h.HandleUpdate(ctx, textUpdate(1, "/start"))
	kb := msgr.last().kb
	if kb == nil || kb.InlineKeyboard[0][0].CallbackData == nil || *kb.InlineKeyboard[0][0].CallbackData != "wf:asst_1" {
		t.Fatalf("workflow prompt keyboard = %+v", kb)
	}
	configure(t, h, 1, "single")
	if msgr.answered != 2 {
		t.Errorf("answered callbacks = %d", msgr.answered)
	}

	h.HandleUpdate(ctx, mediaMessage(1, tgbotapi.Message{
		MessageID: 3,
		Audio:     &tgbotapi.Audio{FileID: "A1", FileName: "call.mp3"},
	}))
	h.Wait()

	if len(files.jobs) != 1 {
		t.Fatalf("jobs = %d", len(files.jobs))
	}
	job := files.jobs[0]
	if job.WorkflowID != "asst_1" || job.SinkID != "team-a" || job.Source.FileRef != "A1" || job.Submitter.Username != "op" {
		t.Fatalf("job = %+v", job)
	}
	if got := msgr.last().text; !strings.Contains(got, "call.mp3 saved to row 5") || !strings.Contains(got, "score 8/10") {
		t.Fatalf("result reply = %q", got)
	}
}

func TestHandler_MediaBeforeConfigurationIsRejected(t *testing.T) {
	files := &fakeFiles{}
	h, msgr := newHandler(files, &fakeFolders{})

	h.HandleUpdate(context.Background(), textUpdate(1, "https://drive.google.com/file/d/FILE12345678/view"))
	h.Wait()

	if len(files.jobs) != 0 {
		t.Fatal("no job may start before configuration")
	}
	if !strings.Contains(msgr.all(), "not expected now") {
		t.Fatalf("replies = %q", msgr.all())
	}
	s, _ := h.machine.Session(context.Background(), 1)
	if s.Step != conversation.StepCollectingWorkflowID {
		t.Fatalf("step = %s", s.Step)
	}
}

func TestHandler_InvalidSinkIDExplained(t *testing.T) {
	msgr := &fakeMessenger{}
	m := conversation.NewMachine(conversation.NewMemoryStore(), conversation.WithSinkValidator(func(id string) error {
		if strings.Contains(id, "/") {
			return errors.New("must not contain '/'")
		}
		return nil
	}))
	h := NewHandler(msgr, m, &fakeFiles{}, &fakeFolders{}, HandlerOptions{})
	ctx := context.Background()

	h.HandleUpdate(ctx, textUpdate(1, "/workflow asst_1"))
	h.HandleUpdate(ctx, textUpdate(1, "a/b"))
	if !strings.Contains(msgr.all(), "cannot be used") {
		t.Fatalf("replies = %q", msgr.all())
	}
}

func TestHandler_FailureReason(t *testing.T) {
	files := &fakeFiles{err: errs.E(errs.KindTooShort, "processor", "0.0s")}
	h, msgr := newHandler(files, &fakeFolders{})
	configure(t, h, 1, "single")

	h.HandleUpdate(context.Background(), mediaMessage(1, tgbotapi.Message{
		Voice: &tgbotapi.Voice{FileID: "V"},
	}))
	h.Wait()
	if got := msgr.last().text; got != "❌ Processing failed: too short" {
		t.Fatalf("reply = %q", got)
	}
}

func TestHandler_FolderReportIsPaginated(t *testing.T) {
	folders := &fakeFolders{outcomes: []types.Outcome{
		types.Success(0, "01.mp3", 2),
		types.Failure(1, "02.mp3", "too short", errors.New("x")),
		types.Success(2, "03.mp3", 3),
	}}
	h, msgr := newHandler(&fakeFiles{}, folders)
	configure(t, h, 1, "folder")
	before := len(msgr.messages)

	link := "https://drive.google.com/drive/folders/FOLDER123456"
	h.HandleUpdate(context.Background(), textUpdate(1, link))
	h.Wait()

	if folders.url != link {
		t.Fatalf("folder url = %q", folders.url)
	}
	pages := msgr.messages[before+1:]
	if len(pages) != 2 {
		t.Fatalf("report pages = %d", len(pages))
	}
	if !strings.HasPrefix(pages[0].text, "Processed 3 files: 2 succeeded, 1 failed\n") {
		t.Errorf("first page = %q", pages[0].text)
	}
	if !strings.Contains(pages[1].text, "03.mp3: row 3") {
		t.Errorf("second page = %q", pages[1].text)
	}
}

func TestWebhook_RequiresSecret(t *testing.T) {
	h, msgr := newHandler(&fakeFiles{}, &fakeFolders{})
	srv := httptest.NewServer(h.Webhook(context.Background(), "s3cret"))
	defer srv.Close()

	body := `{"update_id":1,"message":{"message_id":1,"from":{"id":4},"chat":{"id":4},"text":"/start"}}`
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status without secret = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
	req.Header.Set(secretHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(msgr.all(), "Welcome") {
		t.Fatalf("replies = %q", msgr.all())
	}
}

func TestTruncate(t *testing.T) {
	s := strings.Repeat("я", 3000) // 6000 bytes
	got := truncate(s, maxMessageLen)
	if len(got) > maxMessageLen || !strings.HasSuffix(got, "…") {
		t.Fatalf("len = %d", len(got))
	}
}
