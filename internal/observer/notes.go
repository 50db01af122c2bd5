package observer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashita-ai/console/internal/model"
)

// Transition kinds used in note ids.
const (
	transitionStart  = "start"
	transitionDone   = "done"
	transitionPaused = "paused"
	transitionFailed = "failed"
)

// NoteID is the id of the note for one transition of one stage. It is a
// pure function of its arguments, so re-observing a transition appends a
// note whose id already exists, which the Store ignores.
func NoteID(runID, stageID, transition string) string {
	return "run-" + runID + "-stage-" + stageID + "-" + transition
}

// RunNoteID is the id of a run-level note (start, summary, next-step).
func RunNoteID(runID, kind string) string {
	return "run-" + runID + "-" + kind
}

// RunStartNote is the spinner shown while a run is in progress. The
// observer resolves it when the run finishes.
func RunStartNote(projectID, runID string) model.Message {
	return model.Message{
		ID:      RunNoteID(runID, "start"),
		Kind:    model.KindStatusSpinner,
		Content: "Pipeline run in progress",
		Route:   runRoute(projectID, runID),
	}
}

func eventNoteID(runID string, index int, ev model.RunEvent) string {
	return "run-" + runID + "-event-" + strconv.Itoa(index) + "-" + string(ev.Event) + "-" + ev.StageID
}

func eventKey(index int, ev model.RunEvent) string {
	return strconv.Itoa(index) + ":" + string(ev.Event) + ":" + ev.StageID
}

func runRoute(projectID, runID string) string {
	return "/projects/" + projectID + "/runs/" + runID
}

func stageRoute(projectID, runID, stageID string) string {
	return runRoute(projectID, runID) + "/stages/" + stageID
}

// stageLabel turns a stage id into display text: "extract_claims" becomes
// "Extract claims".
func stageLabel(stageID string) string {
	s := strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(stageID))
	if s == "" {
		return stageID
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func startContent(stageID string) string {
	return stageLabel(stageID) + " started"
}

func doneContent(stageID string, st model.StageState) string {
	if st.Status == model.StageSkippedReused {
		return stageLabel(stageID) + " reused from a previous run"
	}
	var details []string
	if st.DurationSeconds > 0 {
		details = append(details, fmt.Sprintf("%.1fs", st.DurationSeconds))
	}
	if st.CostUSD > 0 {
		details = append(details, fmt.Sprintf("$%.2f", st.CostUSD))
	}
	if len(details) == 0 {
		return stageLabel(stageID) + " finished"
	}
	return stageLabel(stageID) + " finished (" + strings.Join(details, ", ") + ")"
}

func pausedContent(stageID string) string {
	return stageLabel(stageID) + " is waiting for your review"
}

func failedContent(stageID, reason string) string {
	if reason == "" {
		return stageLabel(stageID) + " failed"
	}
	return stageLabel(stageID) + " failed: " + reason
}

func retryContent(ev model.RunEvent) string {
	if ev.RetryDelaySeconds == nil {
		return "Retrying " + stageLabel(ev.StageID) + " …"
	}
	return fmt.Sprintf("Retrying %s … ~%ss", stageLabel(ev.StageID), strconv.FormatFloat(*ev.RetryDelaySeconds, 'f', -1, 64))
}

func fallbackContent(ev model.RunEvent) string {
	return "Switched " + stageLabel(ev.StageID) + " to " + ev.ToModel
}

// internalArtifactTypes are bookkeeping outputs not worth reporting.
var internalArtifactTypes = map[string]bool{
	"log":        true,
	"trace":      true,
	"checkpoint": true,
	"manifest":   true,
	"cache":      true,
}

// artifactSummary joins artifact counts into prose: "2 summaries, 1 report
// and 3 claims". Internal types, types starting with "_" and zero counts
// are skipped.
func artifactSummary(counts map[string]int) string {
	types := make([]string, 0, len(counts))
	for t, n := range counts {
		if n <= 0 || internalArtifactTypes[t] || strings.HasPrefix(t, "_") {
			continue
		}
		types = append(types, t)
	}
	sort.Strings(types)

	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = strconv.Itoa(counts[t]) + " " + pluralize(strings.ReplaceAll(t, "_", " "), counts[t])
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}

func pluralize(noun string, n int) string {
	if n == 1 {
		return noun
	}
	switch {
	case strings.HasSuffix(noun, "y") && len(noun) > 1 && !strings.ContainsRune("aeiou", rune(noun[len(noun)-2])):
		return noun[:len(noun)-1] + "ies"
	case strings.HasSuffix(noun, "s"), strings.HasSuffix(noun, "x"), strings.HasSuffix(noun, "ch"), strings.HasSuffix(noun, "sh"):
		return noun + "es"
	}
	return noun + "s"
}

func successContent(counts map[string]int) string {
	if summary := artifactSummary(counts); summary != "" {
		return "Run complete: produced " + summary + "."
	}
	return "Run complete."
}

func failureSummaryContent(failed []string, backgroundError string) string {
	labels := make([]string, len(failed))
	for i, id := range failed {
		labels[i] = stageLabel(id)
	}
	content := "Run finished with failures"
	if len(labels) > 0 {
		content += " in " + strings.Join(labels, ", ")
	}
	if backgroundError != "" {
		content += ": " + backgroundError
	}
	return content
}

// nextStepSuggestion follows the first pipeline a project ever runs.
const nextStepSuggestion = "Next, try opening a stage's artifacts and editing one. You can re-run just the stages downstream of your change."
