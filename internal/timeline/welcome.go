package timeline

import (
	"time"

	"github.com/ashita-ai/console/internal/model"
)

// welcomeMessage is the first entry of an empty project log. The single
// action points at the next thing the operator has to do.
func welcomeMessage(projectID string, hasInputs bool, now time.Time) model.Message {
	msg := model.Message{
		ID:        "welcome-" + projectID,
		Kind:      model.KindWelcome,
		Speaker:   model.DefaultSpeaker,
		Timestamp: now.UTC(),
	}
	if hasInputs {
		msg.Content = "Welcome back. Your inputs are ready; start the pipeline when you are."
		msg.Actions = []model.Action{{ID: "start-run", Label: "Start pipeline", Variant: "primary"}}
		return msg
	}
	msg.Content = "Welcome! Upload your source material to get started."
	msg.Actions = []model.Action{{
		ID:      "upload",
		Label:   "Upload inputs",
		Variant: "primary",
		Route:   "/projects/" + projectID + "/inputs",
	}}
	return msg
}
