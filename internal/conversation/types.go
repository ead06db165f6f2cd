package conversation

import (
	"context"
	"time"
)

// Speaker identifies who produced a Turn
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one message in the transcript. Turns are values and never change
// after they are appended.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Request is what a Responder receives for one submission: the persona
// instruction and the latest user text, nothing else from the transcript.
type Request struct {
	SystemInstruction string
	UserText          string
}

// Responder is the remote language model endpoint
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// ResponderFunc adapts a function to the Responder interface
type ResponderFunc func(ctx context.Context, req Request) (string, error)

// Respond calls f(ctx, req)
func (f ResponderFunc) Respond(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Outcome describes what Submit did
type Outcome int

const (
	// OutcomeIgnored: the input was empty after trimming
	OutcomeIgnored Outcome = iota
	// OutcomeBusy: another submission is still awaiting its response
	OutcomeBusy
	// OutcomeAnswered: the model replied and the reply was appended
	OutcomeAnswered
	// OutcomeFailed: the model call failed and the fallback turn was appended
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeBusy:
		return "busy"
	case OutcomeAnswered:
		return "answered"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Snapshot is a copy of the session state
type Snapshot struct {
	ID               string `json:"session_id"`
	Transcript       []Turn `json:"transcript"`
	AwaitingResponse bool   `json:"awaiting_response"`
}

// Result is returned by Submit. User and Reply are zero for ignored and busy
// submissions.
type Result struct {
	Outcome Outcome
	User    Turn
	Reply   Turn
	State   Snapshot
}
