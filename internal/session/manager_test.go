package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/locale"
	"github.com/mconf/bbb-livekit-stt/internal/stt"
	"github.com/mconf/bbb-livekit-stt/internal/transcript"
)

type fakeStream struct {
	mu        sync.Mutex
	pushed    []stt.AudioFrame
	flushed   bool
	updates   []string
	updateErr error
	events    chan stt.SpeechEvent
	closeOnce sync.Once
	closed    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.SpeechEvent, 16)}
}

func (f *fakeStream) Push(frame stt.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, frame)
	return nil
}

func (f *fakeStream) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
	return nil
}

func (f *fakeStream) UpdateLanguage(language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, language)
	return nil
}

func (f *fakeStream) Events() <-chan stt.SpeechEvent { return f.events }

func (f *fakeStream) Err() error { return nil }

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) pushedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func (f *fakeStream) wasFlushed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushed
}

func (f *fakeStream) updateCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

type fakeEngine struct {
	mu        sync.Mutex
	name      string
	openErr   error
	streams   []*fakeStream
	languages []string
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) OpenStream(ctx context.Context, language string) (stt.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := newFakeStream()
	e.streams = append(e.streams, s)
	e.languages = append(e.languages, language)
	return s, nil
}

func (e *fakeEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func (e *fakeEngine) lastStream() *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

type fakeSource struct {
	frames chan stt.AudioFrame
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan stt.AudioFrame, 16)}
}

func (s *fakeSource) Frames() <-chan stt.AudioFrame { return s.frames }

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

type fakeLocator struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{sources: make(map[string]*fakeSource)}
}

func (l *fakeLocator) add(participantID string) *fakeSource {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := newFakeSource()
	l.sources[participantID] = src
	return src
}

func (l *fakeLocator) MicrophoneSource(participantID string) (Source, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.sources[participantID]
	if !ok {
		return nil, false
	}
	return src, true
}

type fakePublisher struct {
	mu      sync.Mutex
	records []transcript.Record
}

func (p *fakePublisher) PublishTranscript(ctx context.Context, rec transcript.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *fakePublisher) last() transcript.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[len(p.records)-1]
}

type fixture struct {
	manager   *Manager
	engine    *fakeEngine
	locator   *fakeLocator
	publisher *fakePublisher
}

func newFixture() *fixture {
	engine := &fakeEngine{name: "gladia"}
	registry := stt.NewRegistry("gladia")
	registry.Register(engine)

	locator := newFakeLocator()
	publisher := &fakePublisher{}

	mapper := &transcript.Mapper{
		MinConfidenceFinal:   0.1,
		MinConfidenceInterim: 0.1,
		Langs:                locale.ParseMap("en:en-US,pt:pt-BR"),
		Log:                  zerolog.Nop(),
	}

	manager := NewManager(Options{
		Registry:  registry,
		Locator:   locator,
		Publisher: publisher,
		Mapper:    mapper,
	})

	return &fixture{manager: manager, engine: engine, locator: locator, publisher: publisher}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for: %s", msg)
}

func TestStart_SpawnsPipeline(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")

	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")

	if f.engine.languages[0] != "en" {
		t.Errorf("Expected sanitized language 'en', got %q", f.engine.languages[0])
	}

	stream := f.engine.lastStream()
	stream.events <- stt.SpeechEvent{
		Type: stt.FinalTranscript,
		Alternatives: []stt.Alternative{
			{Language: "en", Text: "hello", Confidence: 0.9, Start: 100, End: 500},
		},
	}

	waitFor(t, func() bool { return f.publisher.count() == 1 }, "transcript to publish")

	rec := f.publisher.last()
	if rec.ParticipantID != "user-1" {
		t.Errorf("Expected participant 'user-1', got %q", rec.ParticipantID)
	}
	if rec.Locale != "en-US" {
		t.Errorf("Expected locale 'en-US', got %q", rec.Locale)
	}
	if !rec.Final {
		t.Error("Expected final record")
	}
}

func TestStart_Idempotent(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")

	if f.engine.openCount() != 1 {
		t.Errorf("Expected 1 stream after repeated start, got %d", f.engine.openCount())
	}
}

func TestStart_PendingWithoutTrack(t *testing.T) {
	f := newFixture()

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")

	if f.engine.openCount() != 0 {
		t.Errorf("Expected no stream without a track, got %d", f.engine.openCount())
	}
	if f.manager.ActiveSessions() != 1 {
		t.Errorf("Expected a pending session entry, got %d", f.manager.ActiveSessions())
	}

	f.locator.add("user-1")
	f.manager.OnTrackSubscribed(context.Background(), "user-1")

	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "pending session to activate")
}

func TestOnTrackSubscribed_NoSettings(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	f.manager.OnTrackSubscribed(context.Background(), "user-1")

	if f.engine.openCount() != 0 {
		t.Errorf("Expected no stream without settings, got %d", f.engine.openCount())
	}
}

func TestOnTrackSubscribed_OptionsOnlySettings(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	// Options arrived before the participant ever chose a caption locale
	f.manager.SetOptions("user-1", true, 1.5)
	f.manager.OnTrackSubscribed(context.Background(), "user-1")

	if f.engine.openCount() != 0 {
		t.Errorf("Expected no stream for options-only settings, got %d", f.engine.openCount())
	}
	if f.manager.ActiveSessions() != 0 {
		t.Errorf("Expected no session entry, got %d", f.manager.ActiveSessions())
	}
}

func TestStop_NoSession(t *testing.T) {
	f := newFixture()
	f.manager.Stop("ghost")
}

func TestStop_WaitsForPipeline(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")

	f.manager.Stop("user-1")

	stream := f.engine.lastStream()
	if !stream.isClosed() {
		t.Error("Expected stream to be closed after Stop returns")
	}
	if f.manager.ActiveSessions() != 0 {
		t.Errorf("Expected session table to be empty, got %d", f.manager.ActiveSessions())
	}

	// Settings survive a stop
	if _, ok := f.manager.GetSettings("user-1"); !ok {
		t.Error("Expected settings to survive Stop")
	}
}

func TestStop_PendingSession(t *testing.T) {
	f := newFixture()

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	f.manager.Stop("user-1")

	if f.manager.ActiveSessions() != 0 {
		t.Errorf("Expected pending entry to be removed, got %d", f.manager.ActiveSessions())
	}
}

func TestForward_PushesFrames(t *testing.T) {
	f := newFixture()
	src := f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")

	src.frames <- stt.AudioFrame{PCM: []byte{1, 0, 2, 0}, SampleRate: 16000}
	src.frames <- stt.AudioFrame{PCM: []byte{3, 0, 4, 0}, SampleRate: 16000}

	stream := f.engine.lastStream()
	waitFor(t, func() bool { return stream.pushedCount() == 2 }, "frames to be pushed")
}

func TestSourceEnd_FlushesAndDrainsFinals(t *testing.T) {
	f := newFixture()
	src := f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")
	stream := f.engine.lastStream()

	src.Close()
	waitFor(t, stream.wasFlushed, "stream to be flushed on natural source end")

	// A final flushed out by the engine after the audio ended must still
	// be published before the session winds down
	stream.events <- stt.SpeechEvent{
		Type: stt.FinalTranscript,
		Alternatives: []stt.Alternative{
			{Language: "en", Text: "goodbye", Confidence: 0.9, Start: 0, End: 400},
		},
	}
	stream.Close()

	waitFor(t, func() bool { return f.publisher.count() == 1 }, "flushed final to publish")
	waitFor(t, func() bool { return f.manager.ActiveSessions() == 0 }, "session to be removed")
}

func TestUpdateLocale_HotSwapsStream(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")
	stream := f.engine.lastStream()

	f.manager.UpdateLocale("user-1", "pt-BR")

	calls := stream.updateCalls()
	if len(calls) != 1 || calls[0] != "pt" {
		t.Errorf("Expected one update with sanitized 'pt', got %v", calls)
	}

	set, _ := f.manager.GetSettings("user-1")
	if set.Locale != "pt-BR" {
		t.Errorf("Expected stored locale 'pt-BR', got %q", set.Locale)
	}

	if f.engine.openCount() != 1 {
		t.Errorf("Expected no session restart, got %d streams", f.engine.openCount())
	}
}

func TestUpdateLocale_NoActiveSession(t *testing.T) {
	f := newFixture()

	f.manager.UpdateLocale("user-1", "pt-BR")

	set, ok := f.manager.GetSettings("user-1")
	if !ok || set.Locale != "pt-BR" {
		t.Errorf("Expected settings to be stored anyway, got %+v ok=%v", set, ok)
	}
}

func TestUpdateLocale_UnsupportedEngine(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")
	stream := f.engine.lastStream()
	stream.mu.Lock()
	stream.updateErr = stt.ErrLanguageUpdateUnsupported
	stream.mu.Unlock()

	f.manager.UpdateLocale("user-1", "pt-BR")

	if f.engine.openCount() != 1 {
		t.Errorf("Expected no restart for unsupported language update, got %d streams", f.engine.openCount())
	}
	if f.manager.ActiveSessions() != 1 {
		t.Error("Expected session to stay active")
	}
}

func TestSetOptions_DurableWithoutSession(t *testing.T) {
	f := newFixture()

	f.manager.SetOptions("user-1", true, 1.5)

	set, ok := f.manager.GetSettings("user-1")
	if !ok {
		t.Fatal("Expected settings entry")
	}
	if !set.PartialUtterances || set.MinUtteranceLength != 1.5 {
		t.Errorf("Unexpected settings: %+v", set)
	}
}

func TestOnParticipantDisconnected_DiscardsEverything(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open")

	f.manager.OnParticipantDisconnected("user-1")

	if f.manager.ActiveSessions() != 0 {
		t.Errorf("Expected no sessions, got %d", f.manager.ActiveSessions())
	}
	if _, ok := f.manager.GetSettings("user-1"); ok {
		t.Error("Expected settings to be discarded on disconnect")
	}
}

func TestStart_EngineOpenError(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")
	f.engine.mu.Lock()
	f.engine.openErr = errors.New("init failed")
	f.engine.mu.Unlock()

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")

	if f.manager.ActiveSessions() != 0 {
		t.Errorf("Expected no session entry after open failure, got %d", f.manager.ActiveSessions())
	}

	// A later start succeeds once the engine recovers
	f.engine.mu.Lock()
	f.engine.openErr = nil
	f.engine.mu.Unlock()

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 1 }, "stream to open after recovery")
}

func TestShutdown_StopsAllSessions(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")
	f.locator.add("user-2")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	f.manager.Start(context.Background(), "user-2", "pt-BR", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 2 }, "both streams to open")

	f.manager.Shutdown()

	if f.manager.ActiveSessions() != 0 {
		t.Errorf("Expected all sessions stopped, got %d", f.manager.ActiveSessions())
	}
}

func TestSessions_AreIndependent(t *testing.T) {
	f := newFixture()
	f.locator.add("user-1")
	f.locator.add("user-2")

	f.manager.Start(context.Background(), "user-1", "en-US", "gladia")
	f.manager.Start(context.Background(), "user-2", "pt-BR", "gladia")
	waitFor(t, func() bool { return f.engine.openCount() == 2 }, "both streams to open")

	f.manager.Stop("user-1")

	if f.manager.ActiveSessions() != 1 {
		t.Errorf("Expected one surviving session, got %d", f.manager.ActiveSessions())
	}
	if f.engine.streams[1].isClosed() {
		t.Error("Expected the other participant's stream to stay open")
	}
}
