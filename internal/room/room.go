package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/config"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
	"github.com/mconf/bbb-livekit-stt/internal/session"
)

// SessionEvents is the slice of the session manager the room notifies
// about participant and track lifecycle
type SessionEvents interface {
	OnTrackSubscribed(ctx context.Context, participantID string)
	OnTrackUnsubscribed(participantID string)
	OnParticipantDisconnected(participantID string)
	Shutdown()
}

// Room is the agent's connection to the LiveKit conference. The room name
// doubles as the BBB meeting ID. It implements session.TrackLocator by
// tracking each participant's subscribed microphone track.
type Room struct {
	cfg     *config.Config
	handler SessionEvents
	log     zerolog.Logger

	mu     sync.Mutex
	room   *lksdk.Room
	tracks map[string]*webrtc.TrackRemote // identity -> mic track

	disconnected chan struct{}
	discOnce     sync.Once
}

// NewRoom creates a room client. SetHandler must be called before Connect.
func NewRoom(cfg *config.Config) *Room {
	return &Room{
		cfg:          cfg,
		log:          observability.WithMeeting(cfg.RoomName),
		tracks:       make(map[string]*webrtc.TrackRemote),
		disconnected: make(chan struct{}),
	}
}

// SetHandler wires the session manager in. Needed separately because the
// manager also needs the room as its track locator.
func (r *Room) SetHandler(handler SessionEvents) {
	r.handler = handler
}

// Connect joins the LiveKit room as a hidden subscriber-only participant
func (r *Room) Connect(ctx context.Context) error {
	token, err := r.buildToken()
	if err != nil {
		return fmt.Errorf("failed to build room token: %w", err)
	}

	callbacks := &lksdk.RoomCallback{
		OnDisconnected: func() {
			r.log.Info().Msg("Disconnected from room")
			r.handler.Shutdown()
			r.discOnce.Do(func() { close(r.disconnected) })
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			identity := rp.Identity()
			r.log.Debug().Str("participant", identity).Msg("Participant disconnected")
			r.forgetTrack(identity)
			r.handler.OnParticipantDisconnected(identity)
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.onTrackSubscribed(ctx, track, pub, rp)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				identity := rp.Identity()
				r.log.Debug().Str("participant", identity).Msg("Track unsubscribed")
				r.forgetTrack(identity)
				r.handler.OnTrackUnsubscribed(identity)
			},
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(r.cfg.LiveKitURL, token, callbacks)
	if err != nil {
		return fmt.Errorf("failed to connect to room: %w", err)
	}

	r.mu.Lock()
	r.room = room
	r.mu.Unlock()

	r.log.Info().Str("identity", r.cfg.AgentIdentity).Msg("Connected to room")
	return nil
}

func (r *Room) onTrackSubscribed(ctx context.Context, track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	identity := rp.Identity()

	if track.Kind() != webrtc.RTPCodecTypeAudio || pub.Source() != livekit.TrackSource_MICROPHONE {
		r.log.Debug().
			Str("participant", identity).
			Str("source", pub.Source().String()).
			Msg("Ignoring non-microphone track")
		return
	}

	r.mu.Lock()
	r.tracks[identity] = track
	r.mu.Unlock()

	r.log.Debug().Str("participant", identity).Msg("Microphone track subscribed")
	r.handler.OnTrackSubscribed(ctx, identity)
}

func (r *Room) forgetTrack(identity string) {
	r.mu.Lock()
	delete(r.tracks, identity)
	r.mu.Unlock()
}

// MicrophoneSource returns a fresh frame source reading the participant's
// microphone track, or false when no mic track is subscribed yet. At most
// one session reads a participant's track at a time; the session manager
// guarantees that.
func (r *Room) MicrophoneSource(participantID string) (session.Source, bool) {
	r.mu.Lock()
	track, ok := r.tracks[participantID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	reader, err := newTrackReader(track, r.cfg.GladiaSampleRate, r.cfg.AudioBufferSize, r.log.With().Str("participant", participantID).Logger())
	if err != nil {
		r.log.Error().Err(err).Str("participant", participantID).Msg("Failed to create track reader")
		return nil, false
	}
	return reader, true
}

// Disconnected is closed when the room connection ends
func (r *Room) Disconnected() <-chan struct{} {
	return r.disconnected
}

// Close leaves the room
func (r *Room) Close() {
	r.mu.Lock()
	room := r.room
	r.mu.Unlock()
	if room != nil {
		room.Disconnect()
	}
}

// buildToken mints a subscriber-only join token for the agent
func (r *Room) buildToken() (string, error) {
	at := auth.NewAccessToken(r.cfg.LiveKitAPIKey, r.cfg.LiveKitAPISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     r.cfg.RoomName,
		Hidden:   true,
	}
	canPublish := false
	canSubscribe := true
	grant.CanPublish = &canPublish
	grant.CanSubscribe = &canSubscribe

	at.AddGrant(grant).
		SetIdentity(r.cfg.AgentIdentity).
		SetName(r.cfg.AgentIdentity)

	return at.ToJWT()
}
