// Package conversation is the per-user intake dialog: a fixed forward-only
// sequence of steps, each accepting exactly one kind of event.
//
//	collecting_workflow_id -> collecting_sink_id -> awaiting_input_mode -> accepting_media
//
// accepting_media is terminal and stays active indefinitely. The workflow id
// and sink id are immutable once stored.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
)

// Step is the single active stage of a session.
type Step string

const (
	StepCollectingWorkflowID Step = "collecting_workflow_id"
	StepCollectingSinkID     Step = "collecting_sink_id"
	StepAwaitingInputMode    Step = "awaiting_input_mode"
	StepAcceptingMedia       Step = "accepting_media"
)

// EventKind is the type of input a step accepts.
type EventKind string

const (
	EventWorkflowChoice  EventKind = "workflow_choice"
	EventSinkID          EventKind = "sink_id"
	EventInputModeChoice EventKind = "input_mode_choice"
	EventMedia           EventKind = "media"
)

// InputMode is how the user intends to submit media.
type InputMode string

const (
	ModeSingle InputMode = "single"
	ModeFolder InputMode = "folder"
)

func ParseInputMode(s string) (InputMode, bool) {
	switch InputMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSingle:
		return ModeSingle, true
	case ModeFolder:
		return ModeFolder, true
	}
	return "", false
}

type transition struct {
	accepts EventKind
	next    Step
}

// transitions lists the one accepted event kind per step.
var transitions = map[Step]transition{
	StepCollectingWorkflowID: {accepts: EventWorkflowChoice, next: StepCollectingSinkID},
	StepCollectingSinkID:     {accepts: EventSinkID, next: StepAwaitingInputMode},
	StepAwaitingInputMode:    {accepts: EventInputModeChoice, next: StepAcceptingMedia},
	StepAcceptingMedia:       {accepts: EventMedia, next: StepAcceptingMedia},
}

// Expects returns the event kind step accepts.
func Expects(step Step) EventKind { return transitions[step].accepts }

// Session is the dialog state of one user.
type Session struct {
	UserID     int64     `json:"user_id"`
	Step       Step      `json:"step"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	SinkID     string    `json:"sink_id,omitempty"`
	InputMode  InputMode `json:"input_mode,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Configured reports whether media may be submitted.
func (s Session) Configured() bool { return s.Step == StepAcceptingMedia }

// Event is one classified user input.
type Event struct {
	Kind  EventKind
	Value string
}

// Option configures a Machine.
type Option func(*Machine)

// WithSinkValidator rejects unusable sink ids before they are stored.
func WithSinkValidator(fn func(string) error) Option {
	return func(m *Machine) { m.validateSink = fn }
}

// Machine applies events to sessions held in a Store.
type Machine struct {
	store        Store
	validateSink func(string) error
	log          *logger.Logger
}

func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{store: store, log: logger.Component("conversation")}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Session returns the user's session, creating it at the initial step on
// first contact.
func (m *Machine) Session(ctx context.Context, userID int64) (Session, error) {
	for {
		s, err := m.store.Get(ctx, userID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
		s = Session{UserID: userID, Step: StepCollectingWorkflowID}
		err = m.store.Create(ctx, &s)
		if err == nil {
			m.log.WithUser(userID).Info("session created")
			return s, nil
		}
		if !errors.Is(err, ErrExists) {
			return Session{}, err
		}
		// lost a creation race; read the winner's session
	}
}

const maxApplyAttempts = 3

// Apply validates ev against the user's current step and stores the
// transition. An event of the wrong kind fails with a state error and leaves
// the session untouched; the returned session is then the current one.
func (m *Machine) Apply(ctx context.Context, userID int64, ev Event) (Session, error) {
	const op = "conversation.apply"
	for attempt := 1; ; attempt++ {
		s, err := m.Session(ctx, userID)
		if err != nil {
			return Session{}, err
		}
		t, ok := transitions[s.Step]
		if !ok {
			return s, errs.E(errs.KindState, op, fmt.Sprintf("unknown step %q", s.Step))
		}
		if ev.Kind != t.accepts {
			return s, errs.E(errs.KindState, op,
				fmt.Sprintf("%s is not expected while %s (expecting %s)", ev.Kind, s.Step, t.accepts))
		}
		if s.Step == StepAcceptingMedia {
			return s, nil
		}

		next := s
		if err := m.assign(&next, ev); err != nil {
			return s, err
		}
		next.Step = t.next

		err = m.store.Update(ctx, &next)
		if err == nil {
			m.log.WithUser(userID).WithField("step", next.Step).Info("session advanced")
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt == maxApplyAttempts {
			return s, err
		}
	}
}

func (m *Machine) assign(s *Session, ev Event) error {
	const op = "conversation.apply"
	v := strings.TrimSpace(ev.Value)
	switch ev.Kind {
	case EventWorkflowChoice:
		if v == "" {
			return errs.E(errs.KindState, op, "workflow id is empty")
		}
		s.WorkflowID = v
	case EventSinkID:
		if v == "" {
			return errs.E(errs.KindState, op, "sink id is empty")
		}
		if m.validateSink != nil {
			if err := m.validateSink(v); err != nil {
				return errs.Wrap(errs.KindState, op, err)
			}
		}
		s.SinkID = v
	case EventInputModeChoice:
		mode, ok := ParseInputMode(v)
		if !ok {
			return errs.E(errs.KindState, op, fmt.Sprintf("unknown input mode %q", v))
		}
		s.InputMode = mode
	}
	return nil
}
