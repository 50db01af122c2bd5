package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// toolLabels maps backend tool names to the phrase shown while they run.
var toolLabels = map[string]string{
	"list_runs":        "Checking pipeline runs",
	"get_run":          "Reading run details",
	"start_run":        "Starting a pipeline run",
	"list_artifacts":   "Listing artifacts",
	"search_artifacts": "Searching artifacts",
	"read_artifact":    "Reading an artifact",
	"edit_artifact":    "Editing an artifact",
	"list_inputs":      "Looking at your inputs",
	"estimate_cost":    "Estimating cost",
}

// DisplayName returns the label for a tool, falling back to the humanized
// tool name: underscores become spaces and the first letter is capitalized.
func DisplayName(tool string) string {
	if label, ok := toolLabels[tool]; ok {
		return label
	}
	return humanize(tool)
}

func humanize(name string) string {
	s := strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if s == "" {
		return name
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
