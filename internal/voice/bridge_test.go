package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/stt"
)

type stubRecognizer struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
	results  chan *stt.TranscriptionResult
	errs     chan error
}

func newStubRecognizer() *stubRecognizer {
	return &stubRecognizer{
		results: make(chan *stt.TranscriptionResult, 8),
		errs:    make(chan error, 1),
	}
}

func (r *stubRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return r.startErr
}

func (r *stubRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

func (r *stubRecognizer) GetTranscription() <-chan *stt.TranscriptionResult { return r.results }
func (r *stubRecognizer) Errors() <-chan error                               { return r.errs }

// stubSynthesizer keeps every done callback so tests decide when utterances end
type stubSynthesizer struct {
	mu        sync.Mutex
	spoken    []string
	done      []func()
	cancelled int
}

func (s *stubSynthesizer) Speak(text string, done func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	s.done = append(s.done, done)
}

func (s *stubSynthesizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled++
}

func (s *stubSynthesizer) finish(i int) {
	s.mu.Lock()
	done := s.done[i]
	s.mu.Unlock()
	done()
}

// replacingSynthesizer completes the previous utterance when a new one takes
// over, like the speech player. Speaking the held text blocks until release
// is closed, before it takes over.
type replacingSynthesizer struct {
	held    string
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	playing string
	current func()
}

func (s *replacingSynthesizer) Speak(text string, done func()) {
	if text == s.held {
		close(s.entered)
		<-s.release
	}

	s.mu.Lock()
	previous := s.current
	s.playing = text
	s.current = done
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
}

func (s *replacingSynthesizer) Cancel() {
	s.finishCurrent()
}

func (s *replacingSynthesizer) finishCurrent() {
	s.mu.Lock()
	done := s.current
	s.current = nil
	s.playing = ""
	s.mu.Unlock()

	if done != nil {
		done()
	}
}

func (s *replacingSynthesizer) nowPlaying() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// changeRecorder collects observer notifications
type changeRecorder struct {
	mu     sync.Mutex
	states []State
}

func (c *changeRecorder) record(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
}

func (c *changeRecorder) count(pred func(State) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.states {
		if pred(s) {
			n++
		}
	}
	return n
}

func newTestBridge(r Recognizer, s Synthesizer) *Bridge {
	return NewBridge(r, s, zerolog.Nop())
}

func TestBridge_Unavailable(t *testing.T) {
	b := newTestBridge(nil, nil)

	if b.CanListen() || b.CanSpeak() {
		t.Error("Expected both directions unavailable")
	}
	if err := b.StartListening(); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable from StartListening, got %v", err)
	}
	if err := b.Speak("hello"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable from Speak, got %v", err)
	}
	if state := b.State(); state.Listening || state.Speaking {
		t.Errorf("Expected idle state, got %+v", state)
	}
	b.StopSpeaking()
	b.Close()
}

func TestBridge_StartStopListening(t *testing.T) {
	rec := newStubRecognizer()
	b := newTestBridge(rec, nil)

	if err := b.StartListening(); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	if !b.State().Listening {
		t.Error("Expected listening after start")
	}
	if err := b.StartListening(); err != nil {
		t.Fatalf("Second StartListening failed: %v", err)
	}
	if rec.started != 1 {
		t.Errorf("Expected recognizer started once, got %d", rec.started)
	}

	if err := b.StopListening(); err != nil {
		t.Fatalf("StopListening failed: %v", err)
	}
	if b.State().Listening {
		t.Error("Expected listening cleared after stop")
	}
	if rec.stopped != 1 {
		t.Errorf("Expected recognizer stopped once, got %d", rec.stopped)
	}
}

func TestBridge_StartFailureRevertsFlag(t *testing.T) {
	rec := newStubRecognizer()
	rec.startErr = errors.New("microphone denied")
	b := newTestBridge(rec, nil)

	if err := b.StartListening(); err == nil {
		t.Fatal("Expected start error")
	}
	if b.State().Listening {
		t.Error("Expected listening false after failed start")
	}
}

func TestBridge_InterimResultsReplacePendingInput(t *testing.T) {
	b := newTestBridge(newStubRecognizer(), nil)
	if err := b.StartListening(); err != nil {
		t.Fatal(err)
	}

	b.HandleTranscript(&stt.TranscriptionResult{Text: "I feel"})
	if got := b.State().PendingInput; got != "I feel" {
		t.Errorf("Expected pending input 'I feel', got %q", got)
	}

	b.HandleTranscript(&stt.TranscriptionResult{Text: "I feel sad"})
	if got := b.State().PendingInput; got != "I feel sad" {
		t.Errorf("Expected pending input replaced with 'I feel sad', got %q", got)
	}
}

func TestBridge_FinalSegmentsAccumulate(t *testing.T) {
	b := newTestBridge(newStubRecognizer(), nil)
	if err := b.StartListening(); err != nil {
		t.Fatal(err)
	}

	b.HandleTranscript(&stt.TranscriptionResult{Text: "I feel sad", IsFinal: true})
	b.HandleTranscript(&stt.TranscriptionResult{Text: "and"})
	if got := b.State().PendingInput; got != "I feel sad and" {
		t.Errorf("Expected interim appended to final segment, got %q", got)
	}

	b.HandleTranscript(&stt.TranscriptionResult{Text: "and tired", IsFinal: true})
	if got := b.State().PendingInput; got != "I feel sad and tired" {
		t.Errorf("Expected both final segments, got %q", got)
	}

	b.ClearPendingInput()
	b.HandleTranscript(&stt.TranscriptionResult{Text: "hello"})
	if got := b.State().PendingInput; got != "hello" {
		t.Errorf("Expected cleared input to restart, got %q", got)
	}
}

func TestBridge_TranscriptIgnoredWhenNotListening(t *testing.T) {
	b := newTestBridge(newStubRecognizer(), nil)

	b.HandleTranscript(&stt.TranscriptionResult{Text: "stray"})
	b.HandleTranscript(nil)

	if got := b.State().PendingInput; got != "" {
		t.Errorf("Expected no pending input, got %q", got)
	}
}

func TestBridge_RecognitionErrorStopsListening(t *testing.T) {
	rec := newStubRecognizer()
	b := newTestBridge(rec, nil)
	changes := &changeRecorder{}
	b.OnChange(changes.record)

	if err := b.StartListening(); err != nil {
		t.Fatal(err)
	}
	b.HandleTranscript(&stt.TranscriptionResult{Text: "I was"})

	b.HandleRecognitionError(errors.New("network"))

	state := b.State()
	if state.Listening {
		t.Error("Expected listening forced off after recognition error")
	}
	if state.PendingInput != "I was" {
		t.Errorf("Expected pending input kept after error, got %q", state.PendingInput)
	}
	if rec.started != 1 {
		t.Errorf("Expected no restart after error, got %d starts", rec.started)
	}
	if n := changes.count(func(s State) bool { return !s.Listening }); n != 1 {
		t.Errorf("Expected one listening-off notification, got %d", n)
	}
}

func TestBridge_Speak(t *testing.T) {
	synth := &stubSynthesizer{}
	b := newTestBridge(nil, synth)

	if err := b.Speak("Take a breath."); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	if !b.State().Speaking {
		t.Error("Expected speaking while the utterance plays")
	}

	synth.finish(0)
	if b.State().Speaking {
		t.Error("Expected speaking cleared on completion")
	}
}

func TestBridge_SpeakBlankIsNoop(t *testing.T) {
	synth := &stubSynthesizer{}
	b := newTestBridge(nil, synth)

	if err := b.Speak("   "); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	if b.State().Speaking || len(synth.spoken) != 0 {
		t.Error("Expected blank text not to be spoken")
	}
}

func TestBridge_SpeakReplacesCurrentUtterance(t *testing.T) {
	synth := &stubSynthesizer{}
	b := newTestBridge(nil, synth)
	changes := &changeRecorder{}
	b.OnChange(changes.record)

	b.Speak("first reply")
	b.Speak("second reply")

	// The interrupted utterance ends first; it must not clear the flag
	synth.finish(0)
	if !b.State().Speaking {
		t.Fatal("Expected speaking to stay set while the second utterance plays")
	}

	synth.finish(1)
	if b.State().Speaking {
		t.Error("Expected speaking cleared when the second utterance ends")
	}
	if n := changes.count(func(s State) bool { return !s.Speaking }); n != 1 {
		t.Errorf("Expected speaking cleared exactly once, got %d", n)
	}
}

func TestBridge_StopSpeakingIgnoresLateCompletion(t *testing.T) {
	synth := &stubSynthesizer{}
	b := newTestBridge(nil, synth)
	changes := &changeRecorder{}
	b.OnChange(changes.record)

	b.Speak("a long reply")
	b.StopSpeaking()

	if b.State().Speaking {
		t.Error("Expected speaking cleared immediately on stop")
	}
	if synth.cancelled != 1 {
		t.Errorf("Expected synthesizer cancelled once, got %d", synth.cancelled)
	}

	synth.finish(0)
	if n := changes.count(func(s State) bool { return !s.Speaking }); n != 1 {
		t.Errorf("Expected late completion to be ignored, got %d clears", n)
	}

	// A new utterance after stop works normally
	b.Speak("again")
	if !b.State().Speaking {
		t.Error("Expected speaking after a new Speak")
	}
}

func TestBridge_ConcurrentSpeakKeepsGenerationOrder(t *testing.T) {
	synth := &replacingSynthesizer{
		held:    "A",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b := newTestBridge(nil, synth)
	rec := &changeRecorder{}
	b.OnChange(rec.record)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.Speak("A")
	}()
	<-synth.entered

	go func() {
		defer wg.Done()
		b.Speak("B")
	}()
	time.Sleep(20 * time.Millisecond) // B would dispatch here if it could overtake A
	close(synth.release)
	wg.Wait()

	if playing := synth.nowPlaying(); playing != "B" {
		t.Fatalf("Expected the later utterance playing, got %q", playing)
	}
	if !b.State().Speaking {
		t.Fatal("Expected speaking while the later utterance plays")
	}
	if n := rec.count(func(s State) bool { return !s.Speaking }); n != 0 {
		t.Fatalf("Expected no speaking=false notification yet, got %d", n)
	}

	synth.finishCurrent()
	if b.State().Speaking {
		t.Error("Expected speaking cleared after the later utterance ends")
	}
	if n := rec.count(func(s State) bool { return !s.Speaking }); n != 1 {
		t.Errorf("Expected speaking cleared exactly once, got %d", n)
	}
}

func TestBridge_StartListeningDiscardsStaleResults(t *testing.T) {
	rec := newStubRecognizer()
	b := newTestBridge(rec, nil)

	b.StartListening()
	b.StopListening()
	// Flushed by the recognizer after the first capture stopped
	rec.results <- &stt.TranscriptionResult{Text: "from before", IsFinal: true}

	b.StartListening()
	select {
	case r := <-rec.results:
		t.Fatalf("Expected stale result discarded, still queued: %+v", r)
	default:
	}

	b.HandleTranscript(&stt.TranscriptionResult{Text: "fresh start"})
	if got := b.State().PendingInput; got != "fresh start" {
		t.Errorf("Expected only the new capture in pending input, got %q", got)
	}
}

func TestBridge_Run(t *testing.T) {
	rec := newStubRecognizer()
	b := newTestBridge(rec, nil)
	if err := b.StartListening(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	rec.results <- &stt.TranscriptionResult{Text: "I feel"}
	rec.results <- &stt.TranscriptionResult{Text: "I feel sad"}
	waitFor(t, func() bool { return b.State().PendingInput == "I feel sad" })

	rec.errs <- errors.New("connection dropped")
	waitFor(t, func() bool { return !b.State().Listening })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
