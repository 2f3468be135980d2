package control

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/bus"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
	"github.com/mconf/bbb-livekit-stt/internal/session"
)

// SessionController is the slice of the session manager the dispatcher
// drives from bus commands
type SessionController interface {
	Start(ctx context.Context, participantID, locale, provider string)
	Stop(participantID string)
	UpdateLocale(participantID, locale string)
	SetOptions(participantID string, partialUtterances bool, minUtteranceLength float64)
	GetSettings(participantID string) (session.Settings, bool)
}

// Dispatcher turns apps server commands into session operations. Commands
// for other meetings are ignored; malformed payloads are dropped with a
// warning and never kill the listener.
type Dispatcher struct {
	meetingID string
	sessions  SessionController
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher scoped to one meeting
func NewDispatcher(meetingID string, sessions SessionController) *Dispatcher {
	return &Dispatcher{
		meetingID: meetingID,
		sessions:  sessions,
		log:       observability.GetLogger().With().Str("component", "control").Str("meeting", meetingID).Logger(),
	}
}

// HandleMessage processes one raw payload from the command channel
func (d *Dispatcher) HandleMessage(ctx context.Context, payload []byte) {
	msg, err := bus.ParseInbound(payload)
	if err != nil {
		d.log.Warn().Err(err).Msg("Could not decode bus message")
		observability.BusMessage("malformed")
		return
	}

	switch msg.Name {
	case bus.UserSpeechLocaleChangedEvtMsg, bus.UserSpeechOptionsChangedEvtMsg:
	default:
		observability.BusMessage("ignored")
		return
	}

	if msg.MeetingID != d.meetingID {
		observability.BusMessage("ignored")
		return
	}

	log := observability.WithCorrelationID(observability.NewCorrelationID()).With().
		Str("component", "control").
		Str("meeting", d.meetingID).
		Str("user", msg.UserID).
		Logger()
	log.Debug().Str("name", msg.Name).Msg("Handling bus command")

	switch msg.Name {
	case bus.UserSpeechLocaleChangedEvtMsg:
		d.handleLocaleChanged(ctx, log, msg)
	case bus.UserSpeechOptionsChangedEvtMsg:
		d.handleOptionsChanged(log, msg)
	}
}

func (d *Dispatcher) handleLocaleChanged(ctx context.Context, log zerolog.Logger, msg *bus.InboundMessage) {
	var body bus.LocaleChangedBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		log.Warn().Err(err).Msg("Malformed locale change body")
		observability.BusMessage("malformed")
		return
	}

	// An empty locale or provider means the user switched captions off
	if body.Locale == "" || body.Provider == "" {
		d.sessions.Stop(msg.UserID)
		observability.BusMessage("handled")
		return
	}

	current, ok := d.sessions.GetSettings(msg.UserID)
	switch {
	case ok && current.Locale != "" && current.Locale != body.Locale:
		d.sessions.UpdateLocale(msg.UserID, body.Locale)
	case !ok || current.Locale == "":
		d.sessions.Start(ctx, msg.UserID, body.Locale, body.Provider)
	}
	// Same locale again: nothing to do

	observability.BusMessage("handled")
}

func (d *Dispatcher) handleOptionsChanged(log zerolog.Logger, msg *bus.InboundMessage) {
	var body bus.OptionsChangedBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		log.Warn().Err(err).Msg("Malformed options change body")
		observability.BusMessage("malformed")
		return
	}

	d.sessions.SetOptions(msg.UserID, body.PartialUtterances, body.MinUtteranceLength)
	observability.BusMessage("handled")
}
