package voice

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/stt"
)

// ErrUnavailable is returned when the requested direction has no provider
var ErrUnavailable = errors.New("voice provider not configured")

// Recognizer is the continuous speech-to-text platform API
type Recognizer interface {
	Start() error
	Stop() error
	GetTranscription() <-chan *stt.TranscriptionResult
	Errors() <-chan error
}

// Synthesizer plays one utterance at a time. Speak replaces whatever is
// playing and must call done exactly once when that utterance ends, whether
// it finished, failed or was cancelled.
type Synthesizer interface {
	Speak(text string, done func())
	Cancel()
}

// State is the observable voice state
type State struct {
	Listening    bool   `json:"listening"`
	Speaking     bool   `json:"speaking"`
	PendingInput string `json:"pending_input"`
}

// Bridge connects recognition and synthesis to the conversation text channel.
// Listening and speaking are independent flags, each idle -> active -> idle.
type Bridge struct {
	recognizer  Recognizer
	synthesizer Synthesizer
	logger      zerolog.Logger

	// speakMu orders generation assignment with dispatch to the synthesizer
	speakMu sync.Mutex

	mu        sync.Mutex
	listening bool
	speaking  bool
	pending   string
	committed string // finalised segments of the current capture
	utterance uint64 // generation of the latest Speak
	onChange  func(State)
}

// NewBridge creates a bridge. Either provider may be nil, which disables that
// direction.
func NewBridge(recognizer Recognizer, synthesizer Synthesizer, logger zerolog.Logger) *Bridge {
	return &Bridge{
		recognizer:  recognizer,
		synthesizer: synthesizer,
		logger:      logger.With().Str("component", "voice").Logger(),
	}
}

// OnChange registers the observer called after every state change. It is
// called without the bridge lock held.
func (b *Bridge) OnChange(fn func(State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// CanListen reports whether speech recognition is available
func (b *Bridge) CanListen() bool { return b.recognizer != nil }

// CanSpeak reports whether speech synthesis is available
func (b *Bridge) CanSpeak() bool { return b.synthesizer != nil }

// State returns the current voice state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Bridge) stateLocked() State {
	return State{Listening: b.listening, Speaking: b.speaking, PendingInput: b.pending}
}

// notify publishes s to the observer; callers must not hold the lock
func (b *Bridge) notify(s State) {
	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// StartListening begins continuous capture. Calling it while already
// listening is a no-op.
func (b *Bridge) StartListening() error {
	if b.recognizer == nil {
		return ErrUnavailable
	}

	b.mu.Lock()
	if b.listening {
		b.mu.Unlock()
		return nil
	}
	b.discardStaleResults()
	b.listening = true
	b.committed = ""
	b.mu.Unlock()

	if err := b.recognizer.Start(); err != nil {
		b.mu.Lock()
		b.listening = false
		s := b.stateLocked()
		b.mu.Unlock()
		b.logger.Error().Err(err).Msg("Speech recognition failed to start")
		b.notify(s)
		return err
	}

	b.logger.Debug().Msg("Listening started")
	b.notify(b.State())
	return nil
}

// discardStaleResults empties results still queued from an earlier capture
func (b *Bridge) discardStaleResults() {
	results := b.recognizer.GetTranscription()
	for {
		select {
		case result, ok := <-results:
			if !ok {
				return
			}
			if result != nil {
				b.logger.Debug().Str("text", result.Text).Msg("Discarding result from previous capture")
			}
		default:
			return
		}
	}
}

// StopListening cancels capture and clears the listening flag
func (b *Bridge) StopListening() error {
	b.mu.Lock()
	if !b.listening {
		b.mu.Unlock()
		return nil
	}
	b.listening = false
	s := b.stateLocked()
	b.mu.Unlock()

	var err error
	if b.recognizer != nil {
		err = b.recognizer.Stop()
	}
	b.logger.Debug().Msg("Listening stopped")
	b.notify(s)
	return err
}

// HandleTranscript applies a recognition result. The pending input is
// replaced by the whole utterance heard so far: finalised segments plus the
// current interim one. Results that arrive while not listening are dropped.
func (b *Bridge) HandleTranscript(result *stt.TranscriptionResult) {
	if result == nil {
		return
	}

	b.mu.Lock()
	if !b.listening {
		b.mu.Unlock()
		return
	}
	text := joinSegments(b.committed, result.Text)
	b.pending = text
	if result.IsFinal {
		b.committed = text
	}
	s := b.stateLocked()
	b.mu.Unlock()

	b.notify(s)
}

func joinSegments(prefix, segment string) string {
	segment = strings.TrimSpace(segment)
	if prefix == "" {
		return segment
	}
	if segment == "" {
		return prefix
	}
	return prefix + " " + segment
}

// HandleRecognitionError logs err and forces listening off. There is no retry.
func (b *Bridge) HandleRecognitionError(err error) {
	b.logger.Error().Err(err).Msg("Speech recognition error, stopping capture")

	b.mu.Lock()
	was := b.listening
	b.listening = false
	s := b.stateLocked()
	b.mu.Unlock()

	if b.recognizer != nil {
		if stopErr := b.recognizer.Stop(); stopErr != nil {
			b.logger.Warn().Err(stopErr).Msg("Error stopping recognizer")
		}
	}
	if was {
		b.notify(s)
	}
}

// ClearPendingInput empties the pending input after it has been submitted
func (b *Bridge) ClearPendingInput() {
	b.mu.Lock()
	if b.pending == "" && b.committed == "" {
		b.mu.Unlock()
		return
	}
	b.pending = ""
	b.committed = ""
	s := b.stateLocked()
	b.mu.Unlock()

	b.notify(s)
}

// Speak narrates text, interrupting any current utterance. Only the latest
// utterance's completion clears the speaking flag, and only once.
func (b *Bridge) Speak(text string) error {
	if b.synthesizer == nil {
		return ErrUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	b.speakMu.Lock()
	defer b.speakMu.Unlock()

	b.mu.Lock()
	b.utterance++
	id := b.utterance
	b.speaking = true
	s := b.stateLocked()
	b.mu.Unlock()

	b.notify(s)
	// done may run synchronously; finishSpeaking only takes mu
	b.synthesizer.Speak(text, func() { b.finishSpeaking(id) })
	return nil
}

// finishSpeaking handles the completion event of utterance id
func (b *Bridge) finishSpeaking(id uint64) {
	b.mu.Lock()
	if id != b.utterance || !b.speaking {
		b.mu.Unlock()
		return
	}
	b.speaking = false
	s := b.stateLocked()
	b.mu.Unlock()

	b.notify(s)
}

// StopSpeaking cancels playback immediately and clears the speaking flag
func (b *Bridge) StopSpeaking() {
	if b.synthesizer == nil {
		return
	}

	b.speakMu.Lock()
	b.mu.Lock()
	b.utterance++ // orphan the completion of whatever is playing
	was := b.speaking
	b.speaking = false
	s := b.stateLocked()
	b.mu.Unlock()

	b.synthesizer.Cancel()
	b.speakMu.Unlock()

	if was {
		b.notify(s)
	}
}

// Run feeds recognizer events into the bridge until ctx is done
func (b *Bridge) Run(ctx context.Context) {
	if b.recognizer == nil {
		<-ctx.Done()
		return
	}

	results := b.recognizer.GetTranscription()
	errs := b.recognizer.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			b.HandleTranscript(result)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			b.HandleRecognitionError(err)
		}
	}
}

// Close stops both directions
func (b *Bridge) Close() {
	if err := b.StopListening(); err != nil {
		b.logger.Warn().Err(err).Msg("Error stopping recognizer on close")
	}
	b.StopSpeaking()
}
