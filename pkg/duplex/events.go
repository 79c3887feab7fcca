package duplex

import "encoding/json"

// Client commands sent to the realtime channel.

type sessionUpdateCmd struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription transcriptionCfg   `json:"input_audio_transcription"`
	TurnDetection           turnDetectionCfg   `json:"turn_detection"`
	Tools                   []toolDefinition   `json:"tools"`
	ToolChoice              string             `json:"tool_choice"`
	Temperature             float64            `json:"temperature"`
	MaxResponseOutputTokens int                `json:"max_response_output_tokens"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type turnDetectionCfg struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type toolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type audioAppendCmd struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typeOnlyCmd struct {
	Type string `json:"type"`
}

type itemCreateCmd struct {
	Type string       `json:"type"`
	Item functionItem `json:"item"`
}

type functionItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// Server events received from the realtime channel, decoded by their
// type tag into one concrete event per kind so handling stays an
// exhaustive switch.

type serverEvent interface{ channelEvent() }

type sessionCreatedEvent struct{ ChannelID string }
type sessionUpdatedEvent struct{}
type speechStartedEvent struct{}
type speechStoppedEvent struct{}
type userTranscriptEvent struct{ Transcript string }
type responseCreatedEvent struct{ ResponseID string }

type audioDeltaEvent struct {
	ResponseID string
	Delta      string
}

type assistantTranscriptDeltaEvent struct {
	ResponseID string
	Delta      string
}

type assistantTranscriptDoneEvent struct {
	ResponseID string
	Transcript string
}

type responseDoneEvent struct {
	ResponseID string
	Status     string
}

type functionCallDoneEvent struct {
	CallID    string
	Name      string
	Arguments string
}

type channelErrorEvent struct{ Message string }
type rateLimitsEvent struct{}
type unknownEvent struct{ Type string }

func (sessionCreatedEvent) channelEvent()           {}
func (sessionUpdatedEvent) channelEvent()           {}
func (speechStartedEvent) channelEvent()            {}
func (speechStoppedEvent) channelEvent()            {}
func (userTranscriptEvent) channelEvent()           {}
func (responseCreatedEvent) channelEvent()          {}
func (audioDeltaEvent) channelEvent()               {}
func (assistantTranscriptDeltaEvent) channelEvent() {}
func (assistantTranscriptDoneEvent) channelEvent()  {}
func (responseDoneEvent) channelEvent()             {}
func (functionCallDoneEvent) channelEvent()         {}
func (channelErrorEvent) channelEvent()             {}
func (rateLimitsEvent) channelEvent()               {}
func (unknownEvent) channelEvent()                  {}

type rawServerEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	ResponseID string          `json:"response_id"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Arguments  string          `json:"arguments"`
	Session    *rawSession     `json:"session"`
	Response   *rawResponse    `json:"response"`
	Error      *rawChannelErr  `json:"error"`
	Item       json.RawMessage `json:"item"`
}

type rawSession struct {
	ID string `json:"id"`
}

type rawResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type rawChannelErr struct {
	Message string `json:"message"`
}

func decodeServerEvent(data []byte) (serverEvent, error) {
	var raw rawServerEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Type {
	case "session.created":
		id := ""
		if raw.Session != nil {
			id = raw.Session.ID
		}
		return sessionCreatedEvent{ChannelID: id}, nil
	case "session.updated":
		return sessionUpdatedEvent{}, nil
	case "input_audio_buffer.speech_started":
		return speechStartedEvent{}, nil
	case "input_audio_buffer.speech_stopped":
		return speechStoppedEvent{}, nil
	case "conversation.item.input_audio_transcription.completed":
		return userTranscriptEvent{Transcript: raw.Transcript}, nil
	case "response.created":
		id := ""
		if raw.Response != nil {
			id = raw.Response.ID
		}
		return responseCreatedEvent{ResponseID: id}, nil
	case "response.audio.delta":
		return audioDeltaEvent{ResponseID: raw.ResponseID, Delta: raw.Delta}, nil
	case "response.audio_transcript.delta":
		return assistantTranscriptDeltaEvent{ResponseID: raw.ResponseID, Delta: raw.Delta}, nil
	case "response.audio_transcript.done":
		return assistantTranscriptDoneEvent{ResponseID: raw.ResponseID, Transcript: raw.Transcript}, nil
	case "response.done":
		ev := responseDoneEvent{}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
			ev.Status = raw.Response.Status
		}
		return ev, nil
	case "response.function_call_arguments.done":
		return functionCallDoneEvent{CallID: raw.CallID, Name: raw.Name, Arguments: raw.Arguments}, nil
	case "error":
		msg := "unknown error"
		if raw.Error != nil && raw.Error.Message != "" {
			msg = raw.Error.Message
		}
		return channelErrorEvent{Message: msg}, nil
	case "rate_limits.updated":
		return rateLimitsEvent{}, nil
	default:
		return unknownEvent{Type: raw.Type}, nil
	}
}
