// Package bot turns chat updates into conversation events and pipeline jobs.
package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"voice-intake-go/internal/conversation"
	"voice-intake-go/internal/remote"
	"voice-intake-go/internal/types"
)

// Kind is the transport-level event kind.
type Kind string

const (
	KindCommand        Kind = "command"
	KindText           Kind = "text"
	KindVoiceNote      Kind = "voice_note"
	KindAudioFile      Kind = "audio_file"
	KindDocument       Kind = "document"
	KindCallbackAction Kind = "callback_action"
	KindIgnored        Kind = "ignored"
)

const (
	workflowPrefix = "wf:"
	modePrefix     = "mode:"
)

// Inbound is a classified update.
type Inbound struct {
	Kind       Kind
	Submitter  types.Submitter
	Command    string // without the leading slash, e.g. "start"
	Event      conversation.Event
	HasEvent   bool
	Source     types.MediaSource
	CallbackID string
}

// Classify maps an update onto a transport kind and, when the input is
// meaningful to the dialog, a conversation event:
//
//	wf:<id> button, /workflow <id>   -> workflow_choice
//	mode:<m> button, /mode <m>       -> input_mode_choice
//	voice, audio, video, document    -> media
//	text that is a link              -> media
//	other text                       -> sink_id
//
// Other commands (/start, /status, /help) carry no event.
func Classify(u tgbotapi.Update) Inbound {
	if cb := u.CallbackQuery; cb != nil {
		in := Inbound{Kind: KindCallbackAction, CallbackID: cb.ID, Submitter: submitter(cb.From, cb.Message)}
		switch {
		case strings.HasPrefix(cb.Data, workflowPrefix):
			in.Event, in.HasEvent = conversation.Event{Kind: conversation.EventWorkflowChoice, Value: strings.TrimPrefix(cb.Data, workflowPrefix)}, true
		case strings.HasPrefix(cb.Data, modePrefix):
			in.Event, in.HasEvent = conversation.Event{Kind: conversation.EventInputModeChoice, Value: strings.TrimPrefix(cb.Data, modePrefix)}, true
		}
		return in
	}

	m := u.Message
	if m == nil {
		return Inbound{Kind: KindIgnored}
	}
	in := Inbound{Submitter: submitter(m.From, m)}
	media := conversation.Event{Kind: conversation.EventMedia}

	switch {
	case m.Voice != nil:
		in.Kind = KindVoiceNote
		in.Source = types.DirectUpload(m.Voice.FileID, fmt.Sprintf("voice_%d.ogg", m.MessageID), m.Voice.MimeType, int64(m.Voice.FileSize))
		in.Event, in.HasEvent = media, true
	case m.Audio != nil:
		in.Kind = KindAudioFile
		in.Source = types.DirectUpload(m.Audio.FileID, orDefault(m.Audio.FileName, fmt.Sprintf("audio_%d.mp3", m.MessageID)), m.Audio.MimeType, int64(m.Audio.FileSize))
		in.Event, in.HasEvent = media, true
	case m.Video != nil:
		in.Kind = KindDocument
		in.Source = types.DirectUpload(m.Video.FileID, orDefault(m.Video.FileName, fmt.Sprintf("video_%d.mp4", m.MessageID)), m.Video.MimeType, int64(m.Video.FileSize))
		in.Event, in.HasEvent = media, true
	case m.Document != nil:
		in.Kind = KindDocument
		in.Source = types.DirectUpload(m.Document.FileID, orDefault(m.Document.FileName, fmt.Sprintf("document_%d", m.MessageID)), m.Document.MimeType, int64(m.Document.FileSize))
		in.Event, in.HasEvent = media, true
	case strings.HasPrefix(strings.TrimSpace(m.Text), "/"):
		in.Kind = KindCommand
		cmd, arg, _ := strings.Cut(strings.TrimSpace(m.Text)[1:], " ")
		// "/start@my_bot" in groups
		cmd, _, _ = strings.Cut(cmd, "@")
		in.Command = strings.ToLower(cmd)
		arg = strings.TrimSpace(arg)
		switch in.Command {
		case "workflow":
			in.Event, in.HasEvent = conversation.Event{Kind: conversation.EventWorkflowChoice, Value: arg}, true
		case "mode":
			in.Event, in.HasEvent = conversation.Event{Kind: conversation.EventInputModeChoice, Value: arg}, true
		}
	case strings.TrimSpace(m.Text) != "":
		in.Kind = KindText
		text := strings.TrimSpace(m.Text)
		if remote.IsLink(text) {
			in.Source = linkSource(text)
			in.Event, in.HasEvent = media, true
		} else {
			in.Event, in.HasEvent = conversation.Event{Kind: conversation.EventSinkID, Value: text}, true
		}
	default:
		in.Kind = KindIgnored
	}
	return in
}

// linkSource tells folder links from file links. Unparseable links become
// file sources so acquisition reports the invalid reference.
func linkSource(link string) types.MediaSource {
	if ref, err := remote.ParseLink(link); err == nil && ref.Kind == remote.RefFolder {
		return types.RemoteFolder(link)
	}
	return types.RemoteFile(link)
}

func submitter(u *tgbotapi.User, m *tgbotapi.Message) types.Submitter {
	var s types.Submitter
	if u != nil {
		s.UserID, s.Username = u.ID, u.UserName
	}
	if m != nil && m.Chat != nil {
		s.ChatID = m.Chat.ID
	}
	if s.ChatID == 0 {
		s.ChatID = s.UserID
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
