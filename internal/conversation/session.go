package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/observability"
)

// ErrEmptyReply is reported when the endpoint answers with no text
var ErrEmptyReply = errors.New("model returned an empty reply")

// Session owns the transcript and the in-flight flag of one conversation.
//
// At most one submission is in flight at a time; a second Submit while one is
// pending returns OutcomeBusy. The lock is never held across the remote call,
// so Snapshot and AwaitingResponse stay responsive while a reply is pending.
type Session struct {
	id        string
	persona   Persona
	responder Responder
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	onTurn    func(Turn)

	mu               sync.RWMutex
	transcript       []Turn
	awaitingResponse bool
}

// Option configures a Session
type Option func(*Session)

// WithID sets the session ID instead of generating one
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithPersona overrides the default persona
func WithPersona(p Persona) Option {
	return func(s *Session) { s.persona = p }
}

// WithLogger sets the session logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithMetrics sets the metrics tracker
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock overrides time.Now for turn timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithTurnObserver registers fn to be called after each turn is appended.
// The greeting is not reported. fn runs without the session lock held.
func WithTurnObserver(fn func(Turn)) Option {
	return func(s *Session) { s.onTurn = fn }
}

// NewSession creates a session whose transcript starts with the greeting
func NewSession(responder Responder, opts ...Option) *Session {
	s := &Session{
		persona:   NewPersona(""),
		responder: responder,
		logger:    observability.GetLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = fmt.Sprintf("sess-%s", uuid.New().String())
	}
	if s.metrics == nil {
		s.metrics = observability.NewSessionMetrics(s.id)
	}
	s.logger = s.logger.With().Str("session_id", s.id).Logger()

	// The greeting is local only and never reaches the endpoint
	s.transcript = []Turn{{
		Speaker: SpeakerAssistant,
		Text:    s.persona.Greeting,
		At:      s.now(),
	}}
	return s
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Persona returns the persona the session was created with
func (s *Session) Persona() Persona {
	return s.persona
}

// Submit sends one user message to the model and records the exchange.
//
// Empty input is ignored and a concurrent submission is rejected as busy;
// neither touches the transcript. Otherwise the user turn is appended right
// away and exactly one assistant turn follows: the model reply, or
// FallbackReply if the call failed for any reason.
func (s *Session) Submit(ctx context.Context, text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		s.metrics.RecordSubmission(OutcomeIgnored.String())
		return Result{Outcome: OutcomeIgnored, State: s.Snapshot()}
	}

	s.mu.Lock()
	if s.awaitingResponse {
		s.mu.Unlock()
		s.logger.Debug().Msg("Submission rejected, response still pending")
		s.metrics.RecordSubmission(OutcomeBusy.String())
		return Result{Outcome: OutcomeBusy, State: s.Snapshot()}
	}
	userTurn := Turn{Speaker: SpeakerUser, Text: text, At: s.now()}
	s.transcript = append(s.transcript, userTurn)
	s.awaitingResponse = true
	s.mu.Unlock()
	s.notify(userTurn)

	// Release the in-flight flag on every path, including panics in the responder
	released := false
	defer func() {
		if !released {
			s.mu.Lock()
			s.awaitingResponse = false
			s.mu.Unlock()
		}
	}()

	outcome := OutcomeAnswered
	reply, err := s.ask(ctx, text)
	if err != nil {
		outcome = OutcomeFailed
		reply = FallbackReply
		s.logger.Error().Err(err).Msg("Model request failed, sending fallback reply")
		s.metrics.RecordError("model_request_error", "gemini")
	}

	replyTurn := Turn{Speaker: SpeakerAssistant, Text: reply, At: s.now()}
	s.mu.Lock()
	s.transcript = append(s.transcript, replyTurn)
	s.awaitingResponse = false
	released = true
	s.mu.Unlock()
	s.notify(replyTurn)

	s.metrics.RecordSubmission(outcome.String())
	s.logger.Info().
		Str("outcome", outcome.String()).
		Int("reply_chars", len(reply)).
		Msg("Submission completed")

	return Result{
		Outcome: outcome,
		User:    userTurn,
		Reply:   replyTurn,
		State:   s.Snapshot(),
	}
}

func (s *Session) notify(t Turn) {
	if s.onTurn != nil {
		s.onTurn(t)
	}
}

// ask issues the single stateless request for text
func (s *Session) ask(ctx context.Context, text string) (string, error) {
	if s.responder == nil {
		return "", errors.New("no model responder configured")
	}

	s.metrics.RecordModelStart()
	reply, err := s.responder.Respond(ctx, Request{
		SystemInstruction: s.persona.SystemInstruction,
		UserText:          text,
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ErrEmptyReply
	}
	s.metrics.RecordModelEnd(err == nil)
	if err != nil {
		return "", fmt.Errorf("model request: %w", err)
	}
	return reply, nil
}

// AwaitingResponse reports whether a submission is in flight
func (s *Session) AwaitingResponse() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.awaitingResponse
}

// Transcript returns a copy of the transcript
func (s *Session) Transcript() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Snapshot returns a copy of the full session state
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return Snapshot{
		ID:               s.id,
		Transcript:       out,
		AwaitingResponse: s.awaitingResponse,
	}
}

// LastReply returns the most recent assistant turn, used for manual replay.
// The greeting counts, so this only reports false on a zero Session.
func (s *Session) LastReply() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Speaker == SpeakerAssistant {
			return s.transcript[i], true
		}
	}
	return Turn{}, false
}
