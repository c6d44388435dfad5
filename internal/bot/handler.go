package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/actionable"
	"voice-intake-go/internal/aggregator"
	"voice-intake-go/internal/batch"
	"voice-intake-go/internal/config"
	"voice-intake-go/internal/conversation"
	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/processor"
	"voice-intake-go/internal/types"
)

// Messenger sends replies through the chat transport.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, id, text string) error
}

type FileProcessor interface {
	Process(ctx context.Context, job processor.Job) (processor.Result, error)
}

type FolderProcessor interface {
	ProcessFolder(ctx context.Context, folderURL string, job processor.Job) (batch.Report, error)
}

// maxMessageLen is the transport's per-message text limit.
const maxMessageLen = 4096

// Handler drives conversations and runs submitted jobs. Jobs run in
// background goroutines so one long pipeline never stalls other users;
// Wait blocks until they finish.
type Handler struct {
	msgr      Messenger
	machine   *conversation.Machine
	files     FileProcessor
	folders   FolderProcessor
	workflows []config.Workflow
	pageLines int

	jobs sync.WaitGroup
	log  *logger.Logger
}

type HandlerOptions struct {
	Workflows []config.Workflow
	PageLines int
}

func NewHandler(msgr Messenger, machine *conversation.Machine, files FileProcessor, folders FolderProcessor, opts HandlerOptions) *Handler {
	if opts.PageLines <= 0 {
		opts.PageLines = aggregator.DefaultPageLines
	}
	return &Handler{
		msgr:      msgr,
		machine:   machine,
		files:     files,
		folders:   folders,
		workflows: opts.Workflows,
		pageLines: opts.PageLines,
		log:       logger.Component("bot"),
	}
}

// Wait blocks until every job started by HandleUpdate has finished.
func (h *Handler) Wait() { h.jobs.Wait() }

// HandleUpdate processes one update. Job execution continues after it
// returns, bound to ctx.
func (h *Handler) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	in := Classify(u)
	if in.Kind == KindIgnored {
		return
	}
	log := h.log.WithUser(in.Submitter.UserID).WithField("kind", string(in.Kind))
	if in.CallbackID != "" {
		if err := h.msgr.AnswerCallbackQuery(ctx, in.CallbackID, ""); err != nil {
			log.WithError(err).Debug("answer callback failed")
		}
	}

	if !in.HasEvent {
		h.handleCommand(ctx, in)
		return
	}

	s, err := h.machine.Apply(ctx, in.Submitter.UserID, in.Event)
	if errs.Is(err, errs.KindState) {
		log.WithField("step", s.Step).WithField("event", string(in.Event.Kind)).Info("input rejected for current step")
		msg := "That input is not expected now."
		if in.Event.Kind == conversation.Expects(s.Step) {
			msg = "That value cannot be used: " + errs.Reason(err)
		}
		h.reply(ctx, in.Submitter.ChatID, msg, nil)
		h.prompt(ctx, in.Submitter.ChatID, s)
		return
	}
	if err != nil {
		log.WithError(err).Error("session update failed")
		h.reply(ctx, in.Submitter.ChatID, "Something went wrong, please try again.", nil)
		return
	}

	if in.Event.Kind != conversation.EventMedia {
		h.prompt(ctx, in.Submitter.ChatID, s)
		return
	}
	h.submit(ctx, in, s)
}

func (h *Handler) handleCommand(ctx context.Context, in Inbound) {
	chat := in.Submitter.ChatID
	if in.Kind == KindCallbackAction {
		h.reply(ctx, chat, "Unknown action.", nil)
		return
	}
	s, err := h.machine.Session(ctx, in.Submitter.UserID)
	if err != nil {
		h.log.WithUser(in.Submitter.UserID).WithError(err).Error("load session failed")
		h.reply(ctx, chat, "Something went wrong, please try again.", nil)
		return
	}
	switch in.Command {
	case "start":
		h.reply(ctx, chat, "Welcome! Audio you send here is transcribed, analysed and recorded.", nil)
		h.prompt(ctx, chat, s)
	case "status":
		h.reply(ctx, chat, fmt.Sprintf("Step: %s\nWorkflow: %s\nSink: %s\nMode: %s",
			s.Step, orDefault(s.WorkflowID, "-"), orDefault(s.SinkID, "-"), orDefault(string(s.InputMode), "-")), nil)
	default:
		h.reply(ctx, chat, "Commands: /start, /status, /workflow <id>, /mode single|folder", nil)
	}
}

// prompt asks for the input the session's step expects.
func (h *Handler) prompt(ctx context.Context, chat int64, s conversation.Session) {
	switch s.Step {
	case conversation.StepCollectingWorkflowID:
		if len(h.workflows) == 0 {
			h.reply(ctx, chat, "Send the analysis workflow id as /workflow <id>.", nil)
			return
		}
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(h.workflows))
		for _, wf := range h.workflows {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(wf.Name, workflowPrefix+wf.ID),
			))
		}
		kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
		h.reply(ctx, chat, "Choose an analysis workflow, or send /workflow <id>.", &kb)
	case conversation.StepCollectingSinkID:
		h.reply(ctx, chat, "Send the result sheet id (letters, digits, '.', '_' or '-').", nil)
	case conversation.StepAwaitingInputMode:
		kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Single files", modePrefix+string(conversation.ModeSingle)),
			tgbotapi.NewInlineKeyboardButtonData("Folder link", modePrefix+string(conversation.ModeFolder)),
		))
		h.reply(ctx, chat, "How will you send recordings?", &kb)
	case conversation.StepAcceptingMedia:
		if s.InputMode == conversation.ModeFolder {
			h.reply(ctx, chat, "Ready. Send a storage folder link.", nil)
			return
		}
		h.reply(ctx, chat, "Ready. Send a voice note, an audio or video file, or a storage link.", nil)
	}
}

func (h *Handler) submit(ctx context.Context, in Inbound, s conversation.Session) {
	job := processor.Job{
		Source:     in.Source,
		Submitter:  in.Submitter,
		WorkflowID: s.WorkflowID,
		SinkID:     s.SinkID,
	}
	chat := in.Submitter.ChatID

	h.jobs.Add(1)
	if in.Source.Kind == types.SourceRemoteFolder {
		h.reply(ctx, chat, "Folder received, processing all recordings. A report follows when done.", nil)
		go func() {
			defer h.jobs.Done()
			h.runFolder(ctx, job)
		}()
		return
	}
	h.reply(ctx, chat, "Received, processing.", nil)
	go func() {
		defer h.jobs.Done()
		h.runFile(ctx, job)
	}()
}

func (h *Handler) runFile(ctx context.Context, job processor.Job) {
	chat := job.Submitter.ChatID
	defer func() {
		if r := recover(); r != nil {
			h.log.WithUser(job.Submitter.UserID).WithField("panic", r).Error("file job panicked")
			h.reply(ctx, chat, "❌ Processing failed: internal error", nil)
		}
	}()

	res, err := h.files.Process(ctx, job)
	if err != nil {
		h.reply(ctx, chat, "❌ Processing failed: "+errs.Reason(err), nil)
		return
	}
	h.reply(ctx, chat, fmt.Sprintf("✅ %s saved to row %d\n\n%s", res.FileName, res.RowNumber, res.Analysis), nil)
}

func (h *Handler) runFolder(ctx context.Context, job processor.Job) {
	chat := job.Submitter.ChatID
	log := h.log.WithUser(job.Submitter.UserID).WithField("folder", job.Source.URL)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("folder job panicked")
			h.reply(ctx, chat, "❌ Folder processing failed: internal error", nil)
		}
	}()

	rep, err := h.folders.ProcessFolder(ctx, job.Source.URL, job)
	if err != nil {
		log.WithError(err).Warn("folder job failed")
		h.reply(ctx, chat, "❌ Folder processing failed: "+errs.Reason(err), nil)
		return
	}
	if rep.Empty {
		h.reply(ctx, chat, "The folder has no audio or video files.", nil)
		return
	}
	lines := aggregator.Lines(rep.Outcomes)
	if rep.Truncated {
		lines[0] += fmt.Sprintf(" (only the first %d files were processed)", len(rep.Outcomes))
	}
	if card, ok := actionable.Generate(aggregator.Aggregate(rep.Outcomes)); ok {
		lines = append(lines, card.String())
	}
	for _, page := range aggregator.Paginate(lines, h.pageLines) {
		h.reply(ctx, chat, page, nil)
	}
	log.WithFields(logrus.Fields{"items": len(rep.Outcomes), "elapsed_ms": rep.ElapsedMs}).Info("folder report sent")
}

func (h *Handler) reply(ctx context.Context, chat int64, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	if len(text) > maxMessageLen {
		text = truncate(text, maxMessageLen)
	}
	if err := h.msgr.SendMessage(ctx, chat, text, kb); err != nil {
		h.log.WithError(err).WithField("chat_id", chat).Warn("send reply failed")
	}
}

// truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func truncate(s string, n int) string {
	const mark = "\n…"
	cut := n - len(mark)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " \n") + mark
}
