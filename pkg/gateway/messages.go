package gateway

import (
	"encoding/json"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
)

// Client message kinds, decoded by their type tag into one concrete
// message per kind so dispatch stays an exhaustive switch.

type clientMessage interface{ clientMsg() }

type startCallMsg struct{}
type audioChunkMsg struct{ Data string }
type endSpeechMsg struct{}
type interruptMsg struct{}
type muteMsg struct{}
type unmuteMsg struct{}
type endCallMsg struct{}
type pingMsg struct{}
type unknownMsg struct{ Type string }

func (startCallMsg) clientMsg()  {}
func (audioChunkMsg) clientMsg() {}
func (endSpeechMsg) clientMsg()  {}
func (interruptMsg) clientMsg()  {}
func (muteMsg) clientMsg()       {}
func (unmuteMsg) clientMsg()     {}
func (endCallMsg) clientMsg()    {}
func (pingMsg) clientMsg()       {}
func (unknownMsg) clientMsg()    {}

var errInvalidJSON = &malformedError{}

type malformedError struct{}

func (*malformedError) Error() string { return "invalid json" }

func decodeClientMessage(data []byte) (clientMessage, error) {
	var raw struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errInvalidJSON
	}
	switch raw.Type {
	case "start_call":
		return startCallMsg{}, nil
	case "audio_chunk":
		return audioChunkMsg{Data: raw.Data}, nil
	case "end_speech":
		return endSpeechMsg{}, nil
	case "interrupt":
		return interruptMsg{}, nil
	case "mute":
		return muteMsg{}, nil
	case "unmute":
		return unmuteMsg{}, nil
	case "end_call":
		return endCallMsg{}, nil
	case "ping":
		return pingMsg{}, nil
	default:
		return unknownMsg{Type: raw.Type}, nil
	}
}

// Server frames.

type callStartedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Greeting  string `json:"greeting"`
	VoiceMode string `json:"voice_mode"`
}

type stateChangeFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type transcriptionFrame struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Text string `json:"text"`
}

type textResponseFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioChunkFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type audioEndFrame struct {
	Type string `json:"type"`
}

type callEndedFrame struct {
	Type            string  `json:"type"`
	DurationSeconds float64 `json:"duration_seconds"`
	QuestionsAsked  int     `json:"questions_asked"`
}

type fallbackActivatedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type highlightsFrame struct {
	Type       string               `json:"type"`
	Highlights []docstore.Highlight `json:"highlights"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}
