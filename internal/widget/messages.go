package widget

import (
	"github.com/Shivxnshjasathi/geminimind/internal/conversation"
)

// Client message types
const (
	msgSubmit         = "submit"
	msgStartListening = "start_listening"
	msgStopListening  = "stop_listening"
	msgAudio          = "audio"
	msgSpeakLast      = "speak_last"
	msgStopSpeaking   = "stop_speaking"
)

// Server message types
const (
	msgSession       = "session"
	msgTurn          = "turn"
	msgState         = "state"
	msgPendingInput  = "pending_input"
	msgVoiceActivity = "voice_activity"
	msgError         = "error"
)

// Error codes sent to the widget
const (
	codeBusy             = "busy"
	codeBadRequest       = "bad_request"
	codeVoiceUnavailable = "voice_unavailable"
)

// ClientMessage is a JSON text frame sent by the widget
type ClientMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`    // submit
	Payload string `json:"payload,omitempty"` // audio, base64 PCM16
}

// SessionMessage carries the full session state, sent on connect
type SessionMessage struct {
	Type string `json:"type"`
	conversation.Snapshot
}

// TurnMessage carries one appended turn
type TurnMessage struct {
	Type string            `json:"type"`
	Turn conversation.Turn `json:"turn"`
}

// VoiceAvailability reports which voice directions are configured
type VoiceAvailability struct {
	Input  bool `json:"input"`
	Output bool `json:"output"`
}

// StateMessage carries the in-flight and voice flags
type StateMessage struct {
	Type             string            `json:"type"`
	AwaitingResponse bool              `json:"awaiting_response"`
	Listening        bool              `json:"listening"`
	Speaking         bool              `json:"speaking"`
	VoiceAvailable   VoiceAvailability `json:"voice_available"`
}

// PendingInputMessage replaces the widget's input field content
type PendingInputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// VoiceActivityMessage is a talking-indicator hint from the microphone stream
type VoiceActivityMessage struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// ErrorMessage reports a rejected client action
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
