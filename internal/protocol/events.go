// Package protocol defines the realtime event channel wire format: inbound
// events decoded into a closed set of Go types, and the outbound frames the
// client is allowed to send.
package protocol

import "encoding/json"

// Inbound event tags.
const (
	TypeConversationItemCreated     = "conversation.item.created"
	TypeInputTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeInputBufferCommitted        = "input_audio_buffer.committed"
	TypeInputBufferCleared          = "input_audio_buffer.cleared"
	TypeResponseCreated             = "response.created"
	TypeResponseTranscriptDelta     = "response.audio_transcript.delta"
	TypeResponseTranscriptDone      = "response.audio_transcript.done"
	TypeResponseDone                = "response.done"
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeError                       = "error"

	// GA naming of the assistant transcript events.
	TypeResponseOutputTranscriptDelta = "response.output_audio_transcript.delta"
	TypeResponseOutputTranscriptDone  = "response.output_audio_transcript.done"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is any decoded inbound event.
type Event interface {
	Type() string
	ID() string
}

// Header carries the fields common to every event.
type Header struct {
	EventType string `json:"type"`
	EventID   string `json:"event_id,omitempty"`
}

func (h Header) Type() string { return h.EventType }
func (h Header) ID() string   { return h.EventID }

type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Role   string `json:"role"`
	Status string `json:"status,omitempty"`
}

// IsMessage reports whether the item is a conversation message from role.
func (i Item) IsMessage(role string) bool {
	return i.Type == "message" && i.Role == role
}

type ConversationItemCreated struct {
	Header
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

type InputTranscriptionDelta struct {
	Header
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

type InputTranscriptionCompleted struct {
	Header
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type InputBufferCommitted struct {
	Header
	ItemID         string `json:"item_id"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
}

type InputBufferCleared struct {
	Header
}

type Response struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Model  string          `json:"model,omitempty"`
	Usage  json.RawMessage `json:"usage,omitempty"`
}

// HasUsage reports whether the response carries a non-null usage object.
func (r Response) HasUsage() bool {
	return len(r.Usage) > 0 && string(r.Usage) != "null"
}

type ResponseCreated struct {
	Header
	Response Response `json:"response"`
}

type ResponseTranscriptDelta struct {
	Header
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type ResponseTranscriptDone struct {
	Header
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type ResponseDone struct {
	Header
	Response Response `json:"response"`
}

type SessionCreated struct {
	Header
	Session json.RawMessage `json:"session"`
}

type SessionUpdated struct {
	Header
	Session json.RawMessage `json:"session"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type ErrorEvent struct {
	Header
	Error ErrorDetail `json:"error"`
}

// Unknown holds any event whose tag is not recognised.
type Unknown struct {
	Header
	Raw json.RawMessage `json:"-"`
}
