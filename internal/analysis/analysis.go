// Package analysis runs a transcript through the external analysis workflow:
// create a thread, post the transcript, start a run and poll it to a
// terminal state within a hard deadline.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"voice-intake-go/internal/errs"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/types"
)

// Status is the coarse run status the orchestrator acts on.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// ParseStatus maps a provider status string. Anything terminal that is not
// "completed" counts as failed.
func ParseStatus(s string) Status {
	switch s {
	case "queued":
		return StatusQueued
	case "in_progress", "running", "cancelling":
		return StatusRunning
	case "completed":
		return StatusCompleted
	default:
		// failed, cancelled, expired, incomplete, requires_action
		return StatusFailed
	}
}

// RunState is one poll result.
type RunState struct {
	Status Status
	Raw    string
	Error  string
}

// Workflow is the external analysis service contract.
type Workflow interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, text string) error
	StartRun(ctx context.Context, threadID, workflowID string) (string, error)
	RunStatus(ctx context.Context, threadID, runID string) (RunState, error)
	LatestMessage(ctx context.Context, threadID string) (string, error)
}

// Clock abstracts time for the polling loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Orchestrator drives one analysis per transcript.
type Orchestrator struct {
	wf       Workflow
	clock    Clock
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger
}

// NewOrchestrator polls every interval and gives up after timeout.
func NewOrchestrator(wf Workflow, clock Clock, interval, timeout time.Duration) *Orchestrator {
	if clock == nil {
		clock = SystemClock
	}
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Orchestrator{wf: wf, clock: clock, interval: interval, timeout: timeout, log: logger.Component("analysis")}
}

// Analyze posts the transcript as the only message of a new thread, runs
// workflowID on it and returns the newest message once the run completes.
// A run still pending at the deadline is abandoned with analysis_timeout.
func (o *Orchestrator) Analyze(ctx context.Context, transcript types.TranscriptText, workflowID string) (types.AnalysisResult, error) {
	const op = "analysis.analyze"

	threadID, err := o.wf.CreateThread(ctx)
	if err != nil {
		return types.AnalysisResult{}, analysisErr(ctx, op, "create thread", err)
	}
	if err := o.wf.PostMessage(ctx, threadID, transcript.Text()); err != nil {
		return types.AnalysisResult{}, analysisErr(ctx, op, "post message", err)
	}
	runID, err := o.wf.StartRun(ctx, threadID, workflowID)
	if err != nil {
		return types.AnalysisResult{}, analysisErr(ctx, op, "start run", err)
	}

	log := o.log.WithFields(logrus.Fields{"workflow_id": workflowID, "thread_id": threadID, "run_id": runID})
	start := o.clock.Now()
	deadline := start.Add(o.timeout)
	polls := 0

	for {
		if !o.clock.Now().Before(deadline) {
			log.WithField("polls", polls).Warn("analysis run timed out, abandoning")
			return types.AnalysisResult{}, errs.E(errs.KindAnalysisTimeout, op,
				fmt.Sprintf("run %s not completed within %s", runID, o.timeout))
		}
		select {
		case <-ctx.Done():
			return types.AnalysisResult{}, ctx.Err()
		case <-o.clock.After(o.interval):
		}
		polls++

		st, err := o.wf.RunStatus(ctx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return types.AnalysisResult{}, ctx.Err()
			}
			if errs.IsTransient(err) {
				log.WithError(err).Warn("run status poll failed, will poll again")
				continue
			}
			return types.AnalysisResult{}, analysisErr(ctx, op, "run status", err)
		}

		switch st.Status {
		case StatusQueued, StatusRunning:
			continue
		case StatusFailed:
			reason := "run " + st.Raw
			if st.Error != "" {
				reason += ": " + st.Error
			}
			return types.AnalysisResult{}, errs.E(errs.KindAnalysis, op, reason)
		}

		text, err := o.wf.LatestMessage(ctx, threadID)
		if err != nil {
			return types.AnalysisResult{}, analysisErr(ctx, op, "fetch result", err)
		}
		log.WithFields(logrus.Fields{
			"polls":       polls,
			"duration_ms": o.clock.Now().Sub(start).Milliseconds(),
		}).Info("analysis completed")
		return types.AnalysisResult{Text: text, ThreadID: threadID, RunID: runID}, nil
	}
}

func analysisErr(ctx context.Context, op, step string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errs.Wrapf(errs.KindAnalysis, op, err, "%s", step)
}
