package protocol

import "github.com/parley-voice/parley/internal/config"

const TypeSessionUpdate = "session.update"

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type InputAudioTranscription struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt,omitempty"`
	Language string `json:"language,omitempty"`
}

// SessionParams is the session object of a session.update frame.
// TurnDetection is always encoded so that nil disables server turn detection.
type SessionParams struct {
	Instructions            string                   `json:"instructions,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection"`
	Temperature             float64                  `json:"temperature,omitempty"`
}

// SessionUpdate is the only outbound frame the client sends.
type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionParams `json:"session"`
}

// NewSessionUpdate builds the configuration frame sent when the event
// channel opens.
func NewSessionUpdate(cfg config.SessionConfig) SessionUpdate {
	td := cfg.TurnDetection
	return SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionParams{
			Instructions:      cfg.Instructions,
			Modalities:        cfg.Modalities,
			Voice:             cfg.Voice,
			InputAudioFormat:  cfg.InputAudioFormat,
			OutputAudioFormat: cfg.OutputAudioFormat,
			InputAudioTranscription: &InputAudioTranscription{
				Model:    cfg.Transcription.Model,
				Prompt:   cfg.Transcription.Prompt,
				Language: cfg.Transcription.Language,
			},
			TurnDetection: &TurnDetection{
				Type:              td.Type,
				Threshold:         td.Threshold,
				PrefixPaddingMS:   td.PrefixPaddingMS,
				SilenceDurationMS: td.SilenceDurationMS,
			},
			Temperature: cfg.Temperature,
		},
	}
}

// DisableTurnDetection is sent on graceful teardown:
// {"type":"session.update","session":{"turn_detection":null}}
func DisableTurnDetection() SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate}
}
