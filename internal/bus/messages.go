package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel names shared with the BBB apps server
const (
	ToAkkaAppsChannel   = "to-akka-apps-redis-channel"
	FromAkkaAppsChannel = "from-akka-apps-redis-channel"
)

// Message names on the BBB envelope
const (
	UpdateTranscriptPubMsg         = "UpdateTranscriptPubMsg"
	UserSpeechLocaleChangedEvtMsg  = "UserSpeechLocaleChangedEvtMsg"
	UserSpeechOptionsChangedEvtMsg = "UserSpeechOptionsChangedEvtMsg"
)

// Envelope is the outer routing layer of every BBB bus message
type Envelope struct {
	Name      string  `json:"name"`
	Routing   Routing `json:"routing"`
	Timestamp int64   `json:"timestamp"`
}

// Routing identifies the meeting and user a message belongs to
type Routing struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

// Header repeats the message name and routing inside the core
type Header struct {
	Name      string `json:"name"`
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

// TranscriptBody is the body of an UpdateTranscriptPubMsg. Start and end
// are stringified epoch milliseconds; the apps server parses them back.
type TranscriptBody struct {
	TranscriptID string `json:"transcriptId"`
	Start        string `json:"start"`
	End          string `json:"end"`
	Text         string `json:"text"`
	Transcript   string `json:"transcript"`
	Locale       string `json:"locale"`
	Result       bool   `json:"result"`
}

// TranscriptMessage is the full outbound transcript update
type TranscriptMessage struct {
	Envelope Envelope `json:"envelope"`
	Core     struct {
		Header Header         `json:"header"`
		Body   TranscriptBody `json:"body"`
	} `json:"core"`
}

// NewTranscriptMessage builds an UpdateTranscriptPubMsg. The transcriptId
// pins interim updates for one utterance to a stable key so the client
// replaces the pad line in place instead of appending.
func NewTranscriptMessage(meetingID, userID, locale, transcript string, result bool, start, end int64) *TranscriptMessage {
	msg := &TranscriptMessage{
		Envelope: Envelope{
			Name:      UpdateTranscriptPubMsg,
			Routing:   Routing{MeetingID: meetingID, UserID: userID},
			Timestamp: time.Now().UnixMilli(),
		},
	}
	msg.Core.Header = Header{
		Name:      UpdateTranscriptPubMsg,
		MeetingID: meetingID,
		UserID:    userID,
	}
	msg.Core.Body = TranscriptBody{
		TranscriptID: fmt.Sprintf("%s-%s-%d", userID, locale, start),
		Start:        fmt.Sprintf("%d", start),
		End:          fmt.Sprintf("%d", end),
		Text:         "",
		Transcript:   transcript,
		Locale:       locale,
		Result:       result,
	}
	return msg
}

// InboundMessage is a decoded command from the apps server. Body stays raw
// until the message name selects a concrete body type.
type InboundMessage struct {
	Name      string
	MeetingID string
	UserID    string
	Body      json.RawMessage
}

// LocaleChangedBody carries a participant's caption language selection.
// An empty locale and provider means the user switched captions off.
type LocaleChangedBody struct {
	Locale   string `json:"locale"`
	Provider string `json:"provider"`
}

// OptionsChangedBody carries per-participant transcript options
type OptionsChangedBody struct {
	PartialUtterances  bool    `json:"partialUtterances"`
	MinUtteranceLength float64 `json:"minUtteranceLength"`
}

type inboundWire struct {
	Envelope struct {
		Name    string  `json:"name"`
		Routing Routing `json:"routing"`
	} `json:"envelope"`
	Core struct {
		Body json.RawMessage `json:"body"`
	} `json:"core"`
}

// ParseInbound decodes the envelope of a raw bus payload. The body is left
// for the caller to decode once the name is known.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode bus message: %w", err)
	}
	if wire.Envelope.Name == "" {
		return nil, fmt.Errorf("bus message has no envelope name")
	}
	return &InboundMessage{
		Name:      wire.Envelope.Name,
		MeetingID: wire.Envelope.Routing.MeetingID,
		UserID:    wire.Envelope.Routing.UserID,
		Body:      wire.Core.Body,
	}, nil
}
