package actionable

import (
	"fmt"
	"sort"

	"voice-intake-go/internal/aggregator"
)

// ActionCard is a follow-up hint attached to a folder report.
type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
}

var actions = map[string]string{
	"too short":                  "Check that the recordings are not empty or cut off",
	"unsupported format":         "Export the recordings as mp3, m4a, ogg or wav",
	"file too large":             "Split very long recordings before uploading",
	"not found":                  "Share the folder's files with the service account",
	"analysis timed out":         "Retry later or simplify the analysis workflow",
	"transcription rate limited": "Resend the folder later or lower the batch concurrency",
}

// Generate returns a card when one failure reason accounts for at least
// 35% of the items. ok is false when no pattern stands out.
func Generate(s aggregator.Summary) (card ActionCard, ok bool) {
	if s.Total == 0 || s.Failed == 0 {
		return ActionCard{}, false
	}
	reasons := make([]string, 0, len(s.FailuresByReason))
	for r := range s.FailuresByReason {
		reasons = append(reasons, r)
	}
	// ties resolve alphabetically
	sort.Strings(reasons)
	worst, highest := "", 0
	for _, r := range reasons {
		if n := s.FailuresByReason[r]; n > highest {
			worst, highest = r, n
		}
	}
	share := float64(highest) / float64(s.Total)
	if share < 0.35 {
		return ActionCard{}, false
	}
	action, known := actions[worst]
	if !known {
		action = "Inspect the failed items and resend them individually"
	}
	return ActionCard{
		Insight: fmt.Sprintf("%.0f%% of files failed with %q", share*100, worst),
		Action:  action,
	}, true
}

// String renders the card as one report line.
func (c ActionCard) String() string {
	return fmt.Sprintf("💡 %s. %s.", c.Insight, c.Action)
}
