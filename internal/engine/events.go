package engine

import "github.com/admitwise/admitwise/internal/model"

// EventType discriminates streaming events.
type EventType string

const (
	// EventStatus reports a phase transition (cache check, discovery, ...).
	EventStatus EventType = "status"

	// EventResult carries one scored institution.
	EventResult EventType = "result"

	// EventDone terminates the stream and carries the full response.
	EventDone EventType = "done"

	// EventError terminates the stream with an error message.
	EventError EventType = "error"
)

// Event is one element of a streaming recommendation response. The stream
// is append-only: consumers receive status events, then result events, then
// exactly one done or error event.
type Event struct {
	Type     EventType                `json:"type"`
	Message  string                   `json:"message,omitempty"`
	Result   *model.MatchResult       `json:"result,omitempty"`
	Response *model.RecommendResponse `json:"response,omitempty"`
}
