package timeline

import (
	"log/slog"

	"github.com/ashita-ai/console/internal/model"
)

// migrate normalises a cold-loaded log. A replayed history cannot contain
// work that is still running, so:
//
//  1. in-progress kinds (spinners) become their resolved kind;
//  2. structured progress payloads have unsettled items forced to done;
//  3. only the last activity note survives;
//  4. assistant messages without a speaker get defaultSpeaker.
//
// Payloads that cannot be decoded are passed through unchanged.
func migrate(in []model.Message, defaultSpeaker string, logger *slog.Logger) []model.Message {
	lastActivity := -1
	for i, m := range in {
		if m.Kind == model.KindActivity {
			lastActivity = i
		}
	}

	out := make([]model.Message, 0, len(in))
	for i, m := range in {
		if m.Kind == model.KindActivity && i != lastActivity {
			continue
		}
		m = m.Clone()

		if m.Kind.InProgress() {
			m.Kind = m.Kind.Resolved()
		}
		if m.Kind == model.KindTaskProgress || m.Kind == model.KindProgressCard {
			m.Content = settleContent(m, logger)
		}
		if m.Kind.Assistant() && m.Speaker == "" {
			m.Speaker = defaultSpeaker
		}
		// Nothing replayed is still streaming.
		m.Streaming = false

		out = append(out, m)
	}
	return out
}

func settleContent(m model.Message, logger *slog.Logger) string {
	p, err := model.DecodePayload(m.Content)
	if err != nil {
		logger.Debug("timeline: structured payload passed through", "message_id", m.ID, "error", err)
		return m.Content
	}
	settled, changed := p.Settle()
	if !changed {
		return m.Content
	}
	return settled.Encode()
}
