package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/parley-voice/parley/internal/shared"
)

// Decode parses one inbound frame. Malformed JSON, a missing type tag or a
// payload that does not fit its tag yields an error wrapping
// shared.ErrProtocolParse. Unrecognised tags decode to *Unknown.
func Decode(data []byte) (Event, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrProtocolParse, err)
	}
	if h.EventType == "" {
		return nil, fmt.Errorf("%w: missing event type", shared.ErrProtocolParse)
	}

	var ev Event
	switch h.EventType {
	case TypeConversationItemCreated:
		ev = &ConversationItemCreated{}
	case TypeInputTranscriptionDelta:
		ev = &InputTranscriptionDelta{}
	case TypeInputTranscriptionCompleted:
		ev = &InputTranscriptionCompleted{}
	case TypeInputBufferCommitted:
		ev = &InputBufferCommitted{}
	case TypeInputBufferCleared:
		ev = &InputBufferCleared{}
	case TypeResponseCreated:
		ev = &ResponseCreated{}
	case TypeResponseTranscriptDelta, TypeResponseOutputTranscriptDelta:
		ev = &ResponseTranscriptDelta{}
	case TypeResponseTranscriptDone, TypeResponseOutputTranscriptDone:
		ev = &ResponseTranscriptDone{}
	case TypeResponseDone:
		ev = &ResponseDone{}
	case TypeSessionCreated:
		ev = &SessionCreated{}
	case TypeSessionUpdated:
		ev = &SessionUpdated{}
	case TypeError:
		ev = &ErrorEvent{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Unknown{Header: h, Raw: raw}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrProtocolParse, h.EventType, err)
	}
	return ev, nil
}
