package engine

import (
	"codepercent/contribution"
	"codepercent/document"
	"codepercent/logger"
)

type EventType string

// Event type constants
const (
	EventDocumentOpened     EventType = "open"
	EventDocumentReloaded   EventType = "reload"
	EventDocumentChanged    EventType = "change"
	EventDocumentClosed     EventType = "close"
	EventSuggestionAccepted EventType = "accept"
	EventFlush              EventType = "flush"
	EventStatus             EventType = "status"
	EventTimer              EventType = "timer"
)

// commandEvents are the events the plugin may send by name alone.
var commandEvents = map[string]EventType{
	string(EventFlush):  EventFlush,
	string(EventStatus): EventStatus,
}

// EventTypeFromString maps a plugin command name to its event type, or ""
// for unknown names.
func EventTypeFromString(s string) EventType {
	return commandEvents[s]
}

type Event struct {
	Type EventType
	Data any
}

// OpenPayload announces a buffer and its full text.
type OpenPayload struct {
	Doc      string `msgpack:"doc"`
	Language string `msgpack:"language"`
	Text     string `msgpack:"text"`
}

// ReloadPayload replaces the whole text of a buffer.
type ReloadPayload struct {
	Doc  string `msgpack:"doc"`
	Text string `msgpack:"text"`
}

// ChangePayload is a single edit in character offsets.
type ChangePayload struct {
	Doc            string `msgpack:"doc"`
	Offset         int    `msgpack:"offset"`
	Removed        int    `msgpack:"removed"`
	Text           string `msgpack:"text"`
	FromSuggestion bool   `msgpack:"from_suggestion"`
}

// ClosePayload removes a buffer.
type ClosePayload struct {
	Doc string `msgpack:"doc"`
}

// AcceptPayload reports an accepted suggestion already present in the buffer
// at [Start, End).
type AcceptPayload struct {
	Doc       string `msgpack:"doc"`
	Language  string `msgpack:"language"`
	Start     int    `msgpack:"start"`
	End       int    `msgpack:"end"`
	RequestID string `msgpack:"request_id"`
	SessionID string `msgpack:"session_id"`
	Trigger   string `msgpack:"trigger"`
}

func (e *Engine) handleOpen(p *OpenPayload) {
	e.documents.Open(document.ID(p.Doc), p.Language, p.Text)
}

func (e *Engine) handleReload(p *ReloadPayload) {
	if err := e.documents.Reload(document.ID(p.Doc), p.Text); err != nil {
		logger.Warn("reload: %v", err)
	}
}

func (e *Engine) handleChange(p *ChangePayload) {
	_, err := e.documents.Apply(document.Edit{
		Document:       document.ID(p.Doc),
		Offset:         p.Offset,
		RemovedLength:  p.Removed,
		Text:           p.Text,
		FromSuggestion: p.FromSuggestion,
	})
	if err != nil {
		logger.Warn("change: %v", err)
	}
}

func (e *Engine) handleClose(p *ClosePayload) {
	e.documents.Close(document.ID(p.Doc))
}

// handleAccept marks the accepted span and hands it to the tracker of the
// suggestion's language. An explicit Language overrides the document's, for
// example a Go snippet inside a markdown buffer. The span's characters then
// count for that language, while later typing anywhere in the buffer keeps
// counting for the document's language, since trackers attribute edits by
// the document they land in.
func (e *Engine) handleAccept(p *AcceptPayload) {
	id := document.ID(p.Doc)
	language := p.Language
	if language == "" {
		var ok bool
		if language, ok = e.documents.Language(id); !ok {
			logger.Warn("accept: %s: %v", p.Doc, document.ErrUnknownDocument)
			return
		}
	}
	if e.config.TracksLanguage != nil && !e.config.TracksLanguage(language) {
		logger.Debug("accept: language %s not tracked", language)
		return
	}

	marker, err := e.documents.MarkRange(id, p.Start, p.End)
	if err != nil {
		logger.Warn("accept: %v", err)
		return
	}

	e.registry.Get(language).OnSuggestionAccepted(contribution.Acceptance{
		Invocation: contribution.InvocationContext{
			RequestID:   p.RequestID,
			Language:    language,
			TriggerType: p.Trigger,
		},
		Session: contribution.SessionContext{SessionID: p.SessionID},
		Marker:  marker,
	})
}

func (e *Engine) handleStatus() {
	languages := e.registry.Languages()
	if len(languages) == 0 {
		logger.Info("status: no trackers")
		return
	}
	for _, l := range languages {
		t, ok := e.registry.Lookup(l)
		if !ok {
			continue
		}
		total, _ := t.Totals()
		if pct, ok := t.Percentage(); ok {
			logger.Info("status: %s %d%% of %d chars, %d accepted suggestions", l, pct, total, t.AcceptedRecommendationCount())
		} else {
			logger.Info("status: %s no data, %d accepted suggestions", l, t.AcceptedRecommendationCount())
		}
	}
}
